package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/taskdeck/taskdeck/internal/port/outbound"
)

// Recorder receives session lifecycle events for auditing. Implementations
// must not block; a nil Recorder disables auditing.
type Recorder interface {
	SessionEvent(ctx context.Context, sessionID, event, detail string)
}

// Audit event names recorded by the registry.
const (
	EventCreated       = "created"
	EventClosed        = "closed"
	EventEngineFailure = "engine_failure"
)

// Registry maps canonical session identifiers, and legacy client-supplied
// aliases, to live sessions. All mutation is serialized; lookups observe a
// consistent snapshot.
type Registry struct {
	factory outbound.EngineFactory
	logger  *slog.Logger
	audit   Recorder

	mu       sync.Mutex
	sessions map[string]*Session
	aliases  map[string]string // alias token -> canonical id
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRecorder installs an audit recorder for session lifecycle events.
func WithRecorder(rec Recorder) RegistryOption {
	return func(r *Registry) { r.audit = rec }
}

// NewRegistry creates a registry that builds one fresh engine per session
// via factory.
func NewRegistry(factory outbound.EngineFactory, logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		factory:  factory,
		logger:   logger,
		sessions: make(map[string]*Session),
		aliases:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve maps a header token and a legacy query token to a canonical
// session id. The header token is checked first against the canonical id
// space, then against the alias map; the query token is checked the same
// way. Returns false if neither resolves.
func (r *Registry) Resolve(headerToken, queryToken string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(headerToken, queryToken)
}

func (r *Registry) resolveLocked(headerToken, queryToken string) (string, bool) {
	for _, tok := range []string{headerToken, queryToken} {
		if tok == "" {
			continue
		}
		if _, ok := r.sessions[tok]; ok {
			return tok, true
		}
		if id, ok := r.aliases[tok]; ok {
			return id, true
		}
	}
	return "", false
}

// Get returns the session for a canonical id. Aliases are deliberately not
// accepted here; the SSE endpoint requires the canonical id from the
// response header.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Create generates a fresh canonical id, constructs and starts a new
// session, registers it, and records the legacy alias if a query token was
// supplied. A start failure leaves no partial entry behind.
func (r *Registry) Create(ctx context.Context, queryToken string) (*Session, error) {
	id, err := GenerateSessionID()
	if err != nil {
		return nil, err
	}

	s := New(id, r.factory(), r.logger)
	if r.audit != nil {
		s.OnEngineFailure(func(cause error) {
			// The request context that created the session is long gone by
			// the time an engine dies.
			r.audit.SessionEvent(context.Background(), id, EventEngineFailure, cause.Error())
		})
	}
	if err := s.Start(ctx); err != nil {
		// Not yet registered, so there is nothing to roll back beyond
		// the session's own resources.
		s.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}

	r.mu.Lock()
	r.sessions[id] = s
	if queryToken != "" && queryToken != id {
		r.aliases[queryToken] = id
	}
	r.mu.Unlock()

	if queryToken != "" {
		r.logger.Info("session created", "session_id", id, "alias_digest", TokenDigest(queryToken))
	} else {
		r.logger.Info("session created", "session_id", id)
	}
	if r.audit != nil {
		r.audit.SessionEvent(ctx, id, EventCreated, "")
	}
	return s, nil
}

// Close resolves token through the same alias-aware precedence as Resolve,
// removes the canonical entry and every alias pointing at it, and tears the
// session down. An unrelated token is rejected with ErrSessionNotFound,
// never silently ignored.
func (r *Registry) Close(ctx context.Context, token string) error {
	r.mu.Lock()
	id, ok := r.resolveLocked(token, "")
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	s := r.sessions[id]
	delete(r.sessions, id)
	for alias, target := range r.aliases {
		if target == id {
			delete(r.aliases, alias)
		}
	}
	r.mu.Unlock()

	s.Close()
	r.logger.Info("session closed", "session_id", id)
	if r.audit != nil {
		r.audit.SessionEvent(ctx, id, EventClosed, "")
	}
	return nil
}

// CloseAll tears down every live session. Used during server shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.aliases = make(map[string]string)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		if r.audit != nil {
			r.audit.SessionEvent(ctx, s.ID(), EventClosed, "shutdown")
		}
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// GenerateSessionID creates a cryptographically random canonical session id.
// Returns 64 hex characters (32 bytes); identifiers are never reused.
func GenerateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// TokenDigest returns a short stable digest of a client-supplied token for
// logging. Raw alias tokens never land in logs.
func TokenDigest(token string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(token))
}
