// Package session mints the tokens a successful code exchange is answered
// with. The broker hands over the grant it validated and the minter turns it
// into a bearer token; everything past this boundary (resource access, token
// verification middleware) belongs to the embedding application.
package session

import "context"

// Token is a minted session token in token-endpoint response shape.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// Minter turns an exchanged grant into a session token.
type Minter interface {
	Mint(ctx context.Context, userID, scope string) (*Token, error)
}
