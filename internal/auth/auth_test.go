package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/gateway/internal/storage"
)

func newTestService(t *testing.T, remoteEnabled bool) *Service {
	t.Helper()
	store := storage.New(t.TempDir())
	return New(Config{Store: store, RemoteAccessEnabled: remoteEnabled})
}

func TestSetupThenLoginSucceeds(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, true)

	require.NoError(t, s.Setup(ctx, "correct horse battery staple"))

	token, err := s.Login(ctx, "correct horse battery staple")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	ok, err := s.ValidateCookie(ctx, token)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSetupTwiceFails(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, true)
	require.NoError(t, s.Setup(ctx, "password1"))
	err := s.Setup(ctx, "password2")
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestLoginWithWrongPasswordFails(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, true)
	require.NoError(t, s.Setup(ctx, "rightpass"))

	_, err := s.Login(ctx, "wrongpass")
	assert.ErrorIs(t, err, ErrInvalidPassword)
}

func TestLoginWithNoAccountFails(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, true)
	_, err := s.Login(ctx, "anything")
	assert.ErrorIs(t, err, ErrNoAccount)
}

func TestLogoutInvalidatesCookie(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, true)
	require.NoError(t, s.Setup(ctx, "pw"))
	token, err := s.Login(ctx, "pw")
	require.NoError(t, err)

	require.NoError(t, s.Logout(ctx, token))

	ok, err := s.ValidateCookie(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateCookieRejectsUnknownToken(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, true)
	ok, err := s.ValidateCookie(ctx, "not-a-real-token")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateCookieRejectsExpiredByAbsoluteLifetime(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, true)
	require.NoError(t, s.Setup(ctx, "pw"))
	token, err := s.Login(ctx, "pw")
	require.NoError(t, err)

	key := hashToken(token)
	var rec session
	require.NoError(t, s.store.Get(ctx, []string{"sessions", key}, &rec))
	rec.CreatedAt = time.Now().Add(-(MaxSessionLifetime + time.Hour))
	rec.LastUsedAt = time.Now()
	require.NoError(t, s.store.Put(ctx, []string{"sessions", key}, rec))

	ok, err := s.ValidateCookie(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateCookieRejectsExpiredByIdleLifetime(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, true)
	require.NoError(t, s.Setup(ctx, "pw"))
	token, err := s.Login(ctx, "pw")
	require.NoError(t, err)

	key := hashToken(token)
	var rec session
	require.NoError(t, s.store.Get(ctx, []string{"sessions", key}, &rec))
	rec.LastUsedAt = time.Now().Add(-(IdleSessionLifetime + time.Hour))
	require.NoError(t, s.store.Put(ctx, []string{"sessions", key}, rec))

	ok, err := s.ValidateCookie(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChangePasswordRequiresOldPassword(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, true)
	require.NoError(t, s.Setup(ctx, "old"))

	err := s.ChangePassword(ctx, "wrong", "new")
	assert.ErrorIs(t, err, ErrInvalidPassword)

	require.NoError(t, s.ChangePassword(ctx, "old", "new"))
	_, err = s.Login(ctx, "old")
	assert.Error(t, err)
	_, err = s.Login(ctx, "new")
	assert.NoError(t, err)
}

func TestRevokeAllClearsAllSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, true)
	require.NoError(t, s.Setup(ctx, "pw"))

	t1, err := s.Login(ctx, "pw")
	require.NoError(t, err)
	t2, err := s.Login(ctx, "pw")
	require.NoError(t, err)

	require.NoError(t, s.RevokeAll(ctx))

	ok1, _ := s.ValidateCookie(ctx, t1)
	ok2, _ := s.ValidateCookie(ctx, t2)
	assert.False(t, ok1)
	assert.False(t, ok2)
}

func TestStatusReflectsAccountExistence(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, true)

	st := s.Status(ctx)
	assert.False(t, st.AccountExists)
	assert.False(t, st.AuthRequired)

	require.NoError(t, s.Setup(ctx, "pw"))
	st = s.Status(ctx)
	assert.True(t, st.AccountExists)
	assert.True(t, st.AuthRequired)
}

func TestStatusBypassActiveSuppressesAuthRequired(t *testing.T) {
	ctx := context.Background()
	store := storage.New(t.TempDir())
	s := New(Config{Store: store, BypassActive: true})
	require.NoError(t, s.Setup(ctx, "pw"))

	st := s.Status(ctx)
	assert.True(t, st.AccountExists)
	assert.False(t, st.AuthRequired)
	assert.True(t, st.BypassActive)
}

func TestConnectionPolicyDerivation(t *testing.T) {
	assert.Equal(t, PolicySRPRequired, ConnectionPolicy(true, true, true))
	assert.Equal(t, PolicySRPRequired, ConnectionPolicy(true, false, false))
	assert.Equal(t, PolicyLocalUnrestricted, ConnectionPolicy(false, false, false))
	assert.Equal(t, PolicyLocalUnrestricted, ConnectionPolicy(false, false, true))
	assert.Equal(t, PolicyLocalCookieTrusted, ConnectionPolicy(false, true, true))
	assert.Equal(t, PolicySRPRequired, ConnectionPolicy(false, true, false))
}

func TestRequiresSRP(t *testing.T) {
	assert.True(t, PolicySRPRequired.RequiresSRP())
	assert.False(t, PolicyLocalUnrestricted.RequiresSRP())
	assert.False(t, PolicyLocalCookieTrusted.RequiresSRP())
}
