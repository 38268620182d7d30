// Package memory provides the in-memory implementation of the storage
// interfaces. The broker is process-local by design, so this is the storage
// backend used in production as well as in tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/taskplane/mcp-consent/instrumentation"
	"github.com/taskplane/mcp-consent/internal/util"
	"github.com/taskplane/mcp-consent/storage"
)

const (
	// codeLogLength is the number of characters to include when logging codes.
	// Enough for debugging correlation without exposing the full value.
	codeLogLength = 8

	// DefaultSweepInterval is how often the background sweep removes expired
	// entries when no custom interval is configured.
	DefaultSweepInterval = 5 * time.Minute
)

// slot holds one authorization entry together with its own lock. Each code
// gets its own critical section so that exchange attempts for different codes
// never contend, while two attempts for the same code serialize.
type slot struct {
	mu      sync.Mutex
	entry   *storage.AuthorizationEntry
	deleted bool // set under mu when the entry is consumed or swept
}

// Store is the in-memory implementation of storage.CodeStore and
// storage.ClientStore.
type Store struct {
	// codes maps code -> *slot. sync.Map keeps the hot path free of a global
	// lock; per-entry state is guarded by each slot's mutex.
	codes sync.Map

	clientMu sync.RWMutex
	clients  map[string]*storage.Client

	// Atomic counters for metrics (lock-free access during collection).
	codesCountAtomic   atomic.Int64
	clientsCountAtomic atomic.Int64

	// Sweep
	sweepInterval time.Duration
	sweeping      atomic.Bool
	stopSweep     chan struct{}
	stopOnce      sync.Once

	logger *slog.Logger

	// Instrumentation
	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

// Compile-time interface checks.
var (
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.ClientStore = (*Store)(nil)
)

// New creates a new in-memory store with the default sweep interval.
func New() *Store {
	return NewWithInterval(DefaultSweepInterval)
}

// NewWithInterval creates a new in-memory store with a custom sweep interval.
// If sweepInterval is 0 or negative, the default is used.
func NewWithInterval(sweepInterval time.Duration) *Store {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	s := &Store{
		clients:       make(map[string]*storage.Client),
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
		logger:        slog.Default(),
	}

	go s.sweepLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store and
// registers size gauges for the code and client maps.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.inst = inst
	s.tracer = inst.Tracer("storage")

	err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return s.codesCountAtomic.Load() },
		func() int64 { return s.clientsCountAtomic.Load() },
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop terminates the background sweep goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopSweep)
	})
}

// ============================================================
// CodeStore Implementation
// ============================================================

// Insert stores a new pending authorization entry.
func (s *Store) Insert(ctx context.Context, entry *storage.AuthorizationEntry) error {
	ctx, span := s.startStorageSpan(ctx, "insert_entry")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "insert_entry", err, startTime)
	}()

	if entry == nil || entry.Code == "" {
		err = fmt.Errorf("invalid authorization entry")
		return err
	}

	// Store a copy so the caller cannot mutate stored state afterwards.
	stored := *entry
	s.codes.Store(entry.Code, &slot{entry: &stored})
	s.codesCountAtomic.Add(1)

	s.logger.Debug("Inserted authorization entry",
		"code_prefix", util.SafeTruncate(entry.Code, codeLogLength),
		"client_id", entry.ClientID,
		"expires_at", entry.ExpiresAt)
	return nil
}

// Get returns a copy of the entry for the given code. Expired entries are
// treated as absent; physical removal is left to the sweep.
func (s *Store) Get(ctx context.Context, code string) (*storage.AuthorizationEntry, error) {
	ctx, span := s.startStorageSpan(ctx, "get_entry")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_entry", err, startTime)
	}()

	sl, ok := s.loadSlot(code)
	if !ok {
		err = storage.ErrEntryNotFound
		return nil, err
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.deleted || sl.entry.Expired(time.Now()) {
		err = storage.ErrEntryNotFound
		return nil, err
	}

	entryCopy := *sl.entry
	return &entryCopy, nil
}

// Approve atomically transitions a pending entry to approved. Any anomaly -
// unknown code, expired entry, wrong status - yields false without revealing
// which check failed.
func (s *Store) Approve(ctx context.Context, code, userID string) bool {
	ctx, span := s.startStorageSpan(ctx, "approve_entry")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "approve_entry", err, startTime)
	}()

	if userID == "" {
		err = fmt.Errorf("userID cannot be empty")
		return false
	}

	sl, ok := s.loadSlot(code)
	if !ok {
		err = storage.ErrEntryNotFound
		return false
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.deleted || sl.entry.Expired(time.Now()) {
		err = storage.ErrEntryNotFound
		return false
	}
	if sl.entry.Status != storage.StatusPending {
		err = fmt.Errorf("entry is not pending")
		return false
	}

	sl.entry.Status = storage.StatusApproved
	sl.entry.UserID = userID

	s.logger.Debug("Approved authorization entry",
		"code_prefix", util.SafeTruncate(code, codeLogLength),
		"client_id", sl.entry.ClientID)
	return true
}

// CompareAndDelete atomically validates and consumes an entry. See
// storage.CodeStore for the full contract. Only one concurrent caller can
// consume a given code; every other caller observes ErrEntryNotFound.
func (s *Store) CompareAndDelete(ctx context.Context, code string, check func(*storage.AuthorizationEntry) error) (*storage.AuthorizationEntry, error) {
	ctx, span := s.startStorageSpan(ctx, "compare_and_delete")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "compare_and_delete", err, startTime)
	}()

	sl, ok := s.loadSlot(code)
	if !ok {
		err = storage.ErrEntryNotFound
		return nil, err
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	// A concurrent winner consumed the entry while we waited for the lock.
	if sl.deleted {
		err = storage.ErrEntryNotFound
		return nil, err
	}

	if checkErr := check(sl.entry); checkErr != nil {
		if isExpiredErr(checkErr) {
			s.removeLocked(code, sl)
			s.logger.Debug("Deleted expired authorization entry at exchange",
				"code_prefix", util.SafeTruncate(code, codeLogLength))
		}
		err = checkErr
		return nil, err
	}

	s.removeLocked(code, sl)
	s.logger.Debug("Consumed authorization entry",
		"code_prefix", util.SafeTruncate(code, codeLogLength),
		"client_id", sl.entry.ClientID)

	entryCopy := *sl.entry
	return &entryCopy, nil
}

// removeLocked marks the slot deleted and removes it from the map. The slot's
// mutex must be held.
func (s *Store) removeLocked(code string, sl *slot) {
	sl.deleted = true
	s.codes.Delete(code)
	s.codesCountAtomic.Add(-1)
}

// loadSlot fetches the slot for a code if present.
func (s *Store) loadSlot(code string) (*slot, bool) {
	v, ok := s.codes.Load(code)
	if !ok {
		return nil, false
	}
	return v.(*slot), true
}

func isExpiredErr(err error) bool {
	return errors.Is(err, storage.ErrEntryExpired)
}

// ============================================================
// Sweep
// ============================================================

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.SweepExpired(context.Background())
		}
	}
}

// SweepExpired removes every expired entry regardless of status. At most one
// sweep runs at a time; an overlapping call is a no-op returning 0. The sweep
// takes each entry's lock individually, so it can run concurrently with
// issuance, approval, and exchange.
func (s *Store) SweepExpired(ctx context.Context) int {
	if !s.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer s.sweeping.Store(false)

	ctx, span := s.startStorageSpan(ctx, "sweep_expired")
	defer span.End()

	startTime := time.Now()
	removed := 0
	now := time.Now()

	s.codes.Range(func(key, value any) bool {
		sl := value.(*slot)
		sl.mu.Lock()
		if !sl.deleted && sl.entry.Expired(now) {
			s.removeLocked(key.(string), sl)
			removed++
		}
		sl.mu.Unlock()
		return true
	})

	if removed > 0 {
		s.logger.Debug("Swept expired authorization entries", "count", removed)
	}

	s.recordStorageOperation(ctx, span, "sweep_expired", nil, startTime)
	if s.inst != nil {
		s.inst.Metrics().RecordSweep(ctx, removed)
	}

	return removed
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient stores a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.clientMu.Lock()
	defer s.clientMu.Unlock()

	_, existed := s.clients[client.ClientID]
	s.clients[client.ClientID] = client
	if !existed {
		s.clientsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.clientMu.RLock()
	defer s.clientMu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	return client, nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// A bcrypt comparison is always performed, even for unknown clients, to
// prevent timing attacks that could reveal whether a client exists.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// Pre-computed dummy hash (bcrypt hash of "test") compared when the
	// client does not exist or has no secret.
	dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyHash
	isPublicClient := false

	if err == nil {
		if client.ClientType == "public" {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	// Public clients authenticate without a secret.
	if isPublicClient && err == nil {
		return nil
	}

	if err != nil || bcryptErr != nil {
		return fmt.Errorf("invalid client credentials")
	}

	return nil
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a span for a storage operation when tracing is set.
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))
}

// recordStorageOperation records metrics for a storage operation and sets the
// span status.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.inst == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
