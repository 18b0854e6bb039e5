package manage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auri/auri/pkg/stores"
)

type pruneEnv struct {
	store   *stores.SQLiteStore
	samples string
}

func newPruneEnv(t *testing.T) *pruneEnv {
	t.Helper()

	dir := t.TempDir()
	store, err := stores.Open(context.Background(), stores.Config{Path: filepath.Join(dir, "auri.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	samples := filepath.Join(dir, "samples")
	require.NoError(t, os.MkdirAll(samples, 0o755))
	return &pruneEnv{store: store, samples: samples}
}

// add stores a sample whose file holds content. alive is nil for unchecked samples.
func (e *pruneEnv) add(t *testing.T, name, content string, alive *bool) string {
	t.Helper()
	ctx := context.Background()

	sample := &stores.RawSample{
		MD5:            "md5-" + name,
		SHA1:           "sha1-" + name,
		SHA256:         "sha256-" + name,
		Path:           "sha1-" + name,
		CollectionDate: time.Now(),
	}
	inserted, err := e.store.InsertSampleIfAbsent(ctx, sample)
	require.NoError(t, err)
	require.True(t, inserted)

	if alive != nil {
		require.NoError(t, e.store.InsertLivenessCheck(ctx, &stores.LivenessCheck{
			SampleID:  sample.ID,
			CheckDate: time.Now(),
			IsAlive:   *alive,
		}))
	}

	path := filepath.Join(e.samples, sample.Path)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func ptr[T any](v T) *T { return &v }

func TestPruneSamplesDeletesDead(t *testing.T) {
	env := newPruneEnv(t)
	alive := env.add(t, "alive", "12345", ptr(true))
	dead := env.add(t, "dead", "123", ptr(false))
	unchecked := env.add(t, "unchecked", "1234567", nil)
	unrelated := filepath.Join(env.samples, "notes.txt")
	require.NoError(t, os.WriteFile(unrelated, []byte("keep me"), 0o644))

	svc := NewService(env.samples, env.store, zerolog.Nop())
	result, err := svc.PruneSamples(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, PruneResult{PrunedSamples: 2, BytesFreed: 10}, result)
	assert.FileExists(t, alive)
	assert.FileExists(t, unrelated)
	assert.NoFileExists(t, dead)
	assert.NoFileExists(t, unchecked)

	// Rows are kept
	count, err := env.store.CountSamples(context.Background(), stores.FilterAll())
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// A second prune finds nothing left
	result, err = svc.PruneSamples(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, result.PrunedSamples)
}

func TestPruneSamplesAggressive(t *testing.T) {
	env := newPruneEnv(t)
	alive := env.add(t, "alive", "12345", ptr(true))
	dead := env.add(t, "dead", "123", ptr(false))
	env.add(t, "missing", "", ptr(true))
	require.NoError(t, os.Remove(filepath.Join(env.samples, "sha1-missing")))

	junk := filepath.Join(env.samples, "junk")
	require.NoError(t, os.MkdirAll(junk, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(junk, "a"), []byte("12"), 0o644))

	svc := NewService(env.samples, env.store, zerolog.Nop())
	result, err := svc.PruneSamples(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, PruneResult{PrunedSamples: 2, BytesFreed: 5}, result)
	assert.FileExists(t, alive)
	assert.NoFileExists(t, dead)
	assert.NoDirExists(t, junk)
	assert.NoDirExists(t, filepath.Join(env.samples, aliveDir))

	entries, err := os.ReadDir(env.samples)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
