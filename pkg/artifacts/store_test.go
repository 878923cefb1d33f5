package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureInline(t *testing.T) {
	store := NewStore(NewMemoryBlobStore())

	art, err := store.Capture(context.Background(), "j1", 0, "fetch", TypeLog, "text/plain", "hello world")
	require.NoError(t, err)

	assert.NotEmpty(t, art.ID)
	assert.Equal(t, "j1", art.JobID)
	assert.Equal(t, "hello world", art.Content)
	assert.Empty(t, art.ExternalHandle)
	assert.Equal(t, 11, art.SizeBytes)
	assert.False(t, art.Redacted)
}

func TestCaptureExternalOverThreshold(t *testing.T) {
	store := NewStore(NewMemoryBlobStore(), WithMaxInlineBytes(16))

	payload := strings.Repeat("x", 17)
	art, err := store.Capture(context.Background(), "j1", 0, "fetch", TypeHTMLSnapshot, "text/html", payload)
	require.NoError(t, err)

	assert.Empty(t, art.Content)
	assert.True(t, strings.HasPrefix(art.ExternalHandle, "sha256:"))
	assert.Equal(t, 17, art.SizeBytes)

	got, err := store.Payload(context.Background(), art)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestCaptureAtThresholdStaysInline(t *testing.T) {
	store := NewStore(NewMemoryBlobStore(), WithMaxInlineBytes(16))

	art, err := store.Capture(context.Background(), "j1", 0, "fetch", TypeLog, "text/plain", strings.Repeat("x", 16))
	require.NoError(t, err)

	assert.NotEmpty(t, art.Content)
	assert.Empty(t, art.ExternalHandle)
}

func TestCaptureRedactsSecrets(t *testing.T) {
	store := NewStore(NewMemoryBlobStore())

	art, err := store.Capture(context.Background(), "j1", 1, "call-api", TypeAPIRequest, "application/json",
		`{"auth": "Bearer abc123def456", "contact": "ops@example.com"}`)
	require.NoError(t, err)

	assert.True(t, art.Redacted)
	assert.Contains(t, art.RedactionRules, "bearer")
	assert.Contains(t, art.RedactionRules, "email")
	assert.NotContains(t, art.Content, "abc123def456")
	assert.NotContains(t, art.Content, "ops@example.com")
	assert.Contains(t, art.Content, "[REDACTED]")
}

func TestRedactionSizeMeasuredAfterMasking(t *testing.T) {
	store := NewStore(NewMemoryBlobStore())

	art, err := store.Capture(context.Background(), "j1", 0, "s", TypeLog, "text/plain", "sk-aaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, len(art.Content), art.SizeBytes)
}

func TestListByJobAndSizeCounter(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	store := NewStore(NewMemoryBlobStore(), WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := store.Capture(ctx, "j1", i, "step", TypeLog, "text/plain", "aaaa")
		require.NoError(t, err)
	}
	_, err := store.Capture(ctx, "j2", 0, "other", TypeLog, "text/plain", "bb")
	require.NoError(t, err)

	arts := store.ListByJob("j1")
	require.Len(t, arts, 3)
	for i := 1; i < len(arts); i++ {
		assert.True(t, arts[i].CreatedAt.After(arts[i-1].CreatedAt))
	}
	assert.Equal(t, int64(12), store.JobSize("j1"))
	assert.Equal(t, int64(2), store.JobSize("j2"))
}

func TestDeleteJobRemovesBlobs(t *testing.T) {
	blobs := NewMemoryBlobStore()
	store := NewStore(blobs, WithMaxInlineBytes(4))

	ctx := context.Background()
	art, err := store.Capture(ctx, "j1", 0, "s", TypeOutput, "application/json", strings.Repeat("z", 32))
	require.NoError(t, err)
	handle := art.ExternalHandle
	require.NotEmpty(t, handle)

	store.DeleteJob(ctx, "j1")

	assert.Empty(t, store.ListByJob("j1"))
	assert.Equal(t, int64(0), store.JobSize("j1"))
	_, err = blobs.Get(ctx, handle)
	assert.Error(t, err)
}

func TestGetByID(t *testing.T) {
	store := NewStore(NewMemoryBlobStore())

	art, err := store.Capture(context.Background(), "j1", 0, "s", TypeError, "text/plain", "boom")
	require.NoError(t, err)

	assert.Equal(t, art, store.Get(art.ID))
	assert.Nil(t, store.Get("missing"))
}

func TestFileBlobStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	blobs, err := NewFileBlobStore(dir)
	require.NoError(t, err)

	ctx := context.Background()
	handle, err := blobs.Put(ctx, []byte("payload"))
	require.NoError(t, err)

	// Idempotent re-put.
	again, err := blobs.Put(ctx, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, handle, again)

	data, err := blobs.Get(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	require.NoError(t, blobs.Delete(ctx, handle))
	_, err = blobs.Get(ctx, handle)
	assert.Error(t, err)
	// Deleting a missing blob is not an error.
	assert.NoError(t, blobs.Delete(ctx, handle))
}

func TestParseHandleRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "md5:abcd", "sha256:nothex"} {
		_, err := parseHandle(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoadRulesReplacesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: internal_id
    pattern: 'ID-\d{6}'
    replacement: 'ID-XXXXXX'
`), 0o644))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	store := NewStore(NewMemoryBlobStore(), WithRules(rules))
	art, err := store.Capture(context.Background(), "j1", 0, "s", TypeLog, "text/plain",
		"record ID-123456 for ops@example.com")
	require.NoError(t, err)

	// Only the loaded rule applies; defaults are gone.
	assert.Contains(t, art.Content, "ID-XXXXXX")
	assert.Contains(t, art.Content, "ops@example.com")
	assert.Equal(t, []string{"internal_id"}, art.RedactionRules)
}

func TestLoadRulesBadPattern(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: broken
    pattern: '['
`), 0o644))

	_, err := LoadRules(path)
	assert.ErrorContains(t, err, "broken")
}
