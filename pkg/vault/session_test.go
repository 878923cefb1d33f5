package vault_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/gantry/pkg/vault"
)

func TestSessionUnlock(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t)

	sess, err := v.CreateSession(ctx, "t4", "pw", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)

	key, err := v.UnlockWithSession(ctx, "t4", sess.Token)
	require.NoError(t, err)
	assert.Equal(t, v.DeriveMasterKey("t4", "pw"), key)
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := func() time.Time { return now }
	v := newTestVault(t, vault.WithClock(func() time.Time { return clock() }))

	sess, err := v.CreateSession(ctx, "t4", "pw", 50*time.Millisecond)
	require.NoError(t, err)

	now = now.Add(100 * time.Millisecond)
	_, err = v.UnlockWithSession(ctx, "t4", sess.Token)
	assert.ErrorIs(t, err, vault.ErrSessionExpired)
}

func TestSessionWrongTenant(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t)

	sess, err := v.CreateSession(ctx, "t4", "pw", time.Hour)
	require.NoError(t, err)

	_, err = v.UnlockWithSession(ctx, "other-tenant", sess.Token)
	assert.ErrorIs(t, err, vault.ErrSessionExpired)
}

func TestSessionUnknownToken(t *testing.T) {
	v := newTestVault(t)
	_, err := v.UnlockWithSession(context.Background(), "t4", "no-such-token")
	assert.ErrorIs(t, err, vault.ErrSessionExpired)
}

func TestSessionRevoke(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t)

	sess, err := v.CreateSession(ctx, "t4", "pw", time.Hour)
	require.NoError(t, err)

	v.RevokeSession(ctx, sess.Token)
	_, err = v.UnlockWithSession(ctx, "t4", sess.Token)
	assert.ErrorIs(t, err, vault.ErrSessionExpired)
}

func TestSessionDefaultTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	v := newTestVault(t, vault.WithClock(func() time.Time { return now }))

	sess, err := v.CreateSession(ctx, "t4", "pw", 0)
	require.NoError(t, err)
	assert.Equal(t, now.Add(vault.DefaultSessionTTL), sess.ExpiresAt)
}

func TestSessionUnlocksRetrieve(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t)
	key := v.DeriveMasterKey("t4", "pw")

	require.NoError(t, v.Store(ctx, "t4", key, vault.StoreInput{
		Provider:  "perplexity",
		Plaintext: "pk-999",
	}))

	sess, err := v.CreateSession(ctx, "t4", "pw", time.Hour)
	require.NoError(t, err)

	unlocked, err := v.UnlockWithSession(ctx, "t4", sess.Token)
	require.NoError(t, err)

	got, err := v.Retrieve(ctx, "t4", "perplexity", unlocked, "any")
	require.NoError(t, err)
	assert.Equal(t, "pk-999", got)
}
