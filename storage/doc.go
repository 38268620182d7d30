// Package storage provides interfaces and types for authorization entry and
// client persistence.
//
// The storage package defines the core interfaces used throughout the
// mcp-consent library:
//   - CodeStore: single-use authorization entries with per-code atomicity
//   - ClientStore: registered MCP clients and credential validation
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage with a background expiry sweep
//
// The broker is deliberately process-local; a restart invalidates all pending
// and approved codes, which is acceptable given the short code TTL.
package storage
