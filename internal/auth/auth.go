// Package auth implements local cookie-session authentication and the
// WebSocket connection-policy classifier. Account and session records are
// persisted through internal/storage (the teacher's atomic temp-then-
// rename writer, now 0600-only), password hashes use
// golang.org/x/crypto/bcrypt, and session tokens are random bytes from
// crypto/rand — nothing here is grounded on a single teacher file since
// the teacher never had a local-auth layer, but the persistence shape
// and error style both carry over.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/agentbridge/gateway/internal/logging"
	"github.com/agentbridge/gateway/internal/storage"
	"github.com/agentbridge/gateway/pkg/apierr"
)

const (
	// MaxSessionLifetime is the absolute cap on a cookie session's age.
	MaxSessionLifetime = 30 * 24 * time.Hour
	// IdleSessionLifetime closes a cookie session that hasn't been used
	// in this long, even if it hasn't hit MaxSessionLifetime yet.
	IdleSessionLifetime = 8 * 24 * time.Hour

	tokenBytes = 32
)

var (
	ErrAccountExists   = errors.New("auth: account already exists")
	ErrNoAccount       = errors.New("auth: no account configured")
	ErrInvalidPassword = errors.New("auth: invalid password")
)

// account is the single persisted local account record.
type account struct {
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

// session is a persisted cookie session, keyed on disk by the sha256 of
// its token so the raw token — the only usable credential — never
// touches disk.
type session struct {
	TokenHash  string    `json:"tokenHash"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

// Policy is the outcome of the WebSocket connection-policy classifier.
type Policy string

const (
	PolicySRPRequired        Policy = "srp_required"
	PolicyLocalUnrestricted  Policy = "local_unrestricted"
	PolicyLocalCookieTrusted Policy = "local_cookie_trusted"
)

// Status reports the account/auth posture, for an unauthenticated
// status endpoint a client can poll before attempting login.
type Status struct {
	AccountExists bool `json:"accountExists"`
	AuthRequired  bool `json:"authRequired"`
	BypassActive  bool `json:"bypassActive"`
}

// Config configures a Service. RemoteAccessEnabled and BypassActive are
// operator-set (config file / env / recovery flag), not persisted state.
type Config struct {
	Store               *storage.Storage
	RemoteAccessEnabled bool
	BypassActive        bool
}

// Service owns the local account and its cookie sessions.
type Service struct {
	store               *storage.Storage
	remoteAccessEnabled bool
	bypassActive        bool

	mu sync.Mutex
}

func New(cfg Config) *Service {
	return &Service{
		store:               cfg.Store,
		remoteAccessEnabled: cfg.RemoteAccessEnabled,
		bypassActive:        cfg.BypassActive,
	}
}

func (s *Service) log() zerolog.Logger { return logging.Component("auth") }

// Setup creates the local account. It fails if one already exists —
// changing the password goes through ChangePassword instead.
func (s *Service) Setup(ctx context.Context, password string) error {
	if len(password) == 0 {
		return apierr.New(apierr.InvalidRequest, "password must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store.Exists(ctx, []string{"account"}) {
		return ErrAccountExists
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}
	acc := account{PasswordHash: string(hash), CreatedAt: time.Now()}
	if err := s.store.Put(ctx, []string{"account"}, acc); err != nil {
		return fmt.Errorf("auth: persist account: %w", err)
	}
	s.log().Info().Msg("local account created")
	return nil
}

// Login verifies password and mints a new cookie session token. The
// returned token is the only copy of the credential; only its hash is
// ever persisted.
func (s *Service) Login(ctx context.Context, password string) (string, error) {
	acc, err := s.getAccount(ctx)
	if err != nil {
		return "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)) != nil {
		return "", ErrInvalidPassword
	}

	token, err := newToken()
	if err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	now := time.Now()
	rec := session{TokenHash: hashToken(token), CreatedAt: now, LastUsedAt: now}
	if err := s.store.Put(ctx, []string{"sessions", rec.TokenHash}, rec); err != nil {
		return "", fmt.Errorf("auth: persist session: %w", err)
	}
	return token, nil
}

// Logout revokes a single cookie session. A token for a session that
// doesn't exist (already expired, already logged out) is not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.store.Delete(ctx, []string{"sessions", hashToken(token)})
}

// ChangePassword requires the current password and replaces the account
// record, leaving existing cookie sessions untouched — callers that want
// to force re-login elsewhere should call Logout/RevokeAll explicitly.
func (s *Service) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	if len(newPassword) == 0 {
		return apierr.New(apierr.InvalidRequest, "password must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, err := s.getAccountLocked(ctx)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(oldPassword)) != nil {
		return ErrInvalidPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}
	acc.PasswordHash = string(hash)
	return s.store.Put(ctx, []string{"account"}, acc)
}

// RevokeAll deletes every persisted cookie session, e.g. after a
// password change driven by suspected compromise.
func (s *Service) RevokeAll(ctx context.Context) error {
	ids, err := s.store.List(ctx, []string{"sessions"})
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.store.Delete(ctx, []string{"sessions", id}); err != nil {
			return err
		}
	}
	return nil
}

// ValidateCookie checks a session token against its persisted record,
// enforcing both the absolute and idle lifetimes, and bumps
// lastUsedAt on success so the idle window slides forward.
func (s *Service) ValidateCookie(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	key := hashToken(token)
	var rec session
	if err := s.store.Get(ctx, []string{"sessions", key}, &rec); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	now := time.Now()
	if now.Sub(rec.CreatedAt) > MaxSessionLifetime || now.Sub(rec.LastUsedAt) > IdleSessionLifetime {
		_ = s.store.Delete(ctx, []string{"sessions", key})
		return false, nil
	}

	rec.LastUsedAt = now
	if err := s.store.Put(ctx, []string{"sessions", key}, rec); err != nil {
		s.log().Warn().Err(err).Msg("failed to refresh session lastUsedAt")
	}
	return true, nil
}

// Status reports the account/auth posture for an unauthenticated client.
func (s *Service) Status(ctx context.Context) Status {
	exists := s.store.Exists(ctx, []string{"account"})
	return Status{
		AccountExists: exists,
		AuthRequired:  exists && !s.bypassActive,
		BypassActive:  s.bypassActive,
	}
}

// ConnectionPolicy derives the WebSocket connection policy. isRelay
// means the client reached the gateway through the relay transport
// rather than a direct local socket; hasValidCookie should already
// reflect a successful ValidateCookie call.
func ConnectionPolicy(isRelay, remoteAccessEnabled, hasValidCookie bool) Policy {
	if isRelay {
		return PolicySRPRequired
	}
	if !remoteAccessEnabled {
		return PolicyLocalUnrestricted
	}
	if hasValidCookie {
		return PolicyLocalCookieTrusted
	}
	return PolicySRPRequired
}

// RequiresSRP reports whether a policy must complete an SRP handshake
// before any tunneled traffic is honored.
func (p Policy) RequiresSRP() bool { return p == PolicySRPRequired }

func (s *Service) getAccount(ctx context.Context) (account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAccountLocked(ctx)
}

func (s *Service) getAccountLocked(ctx context.Context) (account, error) {
	var acc account
	if err := s.store.Get(ctx, []string{"account"}, &acc); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return account{}, ErrNoAccount
		}
		return account{}, err
	}
	return acc, nil
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
