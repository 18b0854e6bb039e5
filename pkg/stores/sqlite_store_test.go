package stores

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/auri/auri/pkg/plugin"
)

// setupTestStore creates a migrated SQLite store in a temporary directory
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "auri.db"),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

// insertTestSample stores a sample whose hashes derive from n
func insertTestSample(t *testing.T, store *SQLiteStore, n int) *RawSample {
	t.Helper()

	name := fmt.Sprintf("sample-%d", n)
	sample := &RawSample{
		MD5:            fmt.Sprintf("md5-%d", n),
		SHA1:           fmt.Sprintf("sha1-%d", n),
		SHA256:         fmt.Sprintf("sha256-%d", n),
		Path:           fmt.Sprintf("sha1-%d", n),
		CollectionDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Name:           &name,
	}

	inserted, err := store.InsertSampleIfAbsent(context.Background(), sample)
	if err != nil {
		t.Fatalf("failed to insert sample: %v", err)
	}
	if !inserted {
		t.Fatalf("sample %d unexpectedly already present", n)
	}

	return sample
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "auri.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Running migrations twice is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}

	tables := []string{"raw_sample", "sample_info", "sample_liveness_check", "sample_evaluation"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestInsertSampleIfAbsentDeduplicatesBySHA256(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := insertTestSample(t, store, 1)
	if first.ID == 0 {
		t.Fatal("expected sample id to be set")
	}

	duplicate := &RawSample{
		MD5:            "other-md5",
		SHA1:           "other-sha1",
		SHA256:         first.SHA256,
		Path:           "other-sha1",
		CollectionDate: time.Now(),
	}
	inserted, err := store.InsertSampleIfAbsent(ctx, duplicate)
	if err != nil {
		t.Fatalf("failed to insert duplicate: %v", err)
	}
	if inserted {
		t.Fatal("duplicate sha256 was inserted")
	}

	count, err := store.CountSamples(ctx, FilterAll())
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 sample, got %d", count)
	}
}

func TestGetSample(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	submitted := time.Date(2023, 12, 24, 0, 0, 0, 0, time.UTC)
	sample := &RawSample{
		MD5:            "m",
		SHA1:           "s1",
		SHA256:         "s256",
		Path:           "s1",
		CollectionDate: time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC),
		SubmissionDate: &submitted,
	}
	if _, err := store.InsertSampleIfAbsent(ctx, sample); err != nil {
		t.Fatalf("failed to insert: %v", err)
	}

	got, err := store.GetSample(ctx, sample.ID)
	if err != nil {
		t.Fatalf("failed to get sample: %v", err)
	}
	if got.SHA256 != "s256" || got.Path != "s1" {
		t.Errorf("unexpected sample: %+v", got)
	}
	if !got.CollectionDate.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("collection date not truncated to day: %v", got.CollectionDate)
	}
	if got.SubmissionDate == nil || !got.SubmissionDate.Equal(submitted) {
		t.Errorf("unexpected submission date: %v", got.SubmissionDate)
	}
	if got.Name != nil {
		t.Errorf("expected nil name, got %q", *got.Name)
	}
	if got.DisplayName() != "s256" {
		t.Errorf("unexpected display name %q", got.DisplayName())
	}

	if _, err := store.GetSample(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSampleExists(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	insertTestSample(t, store, 7)

	tests := []struct {
		algo plugin.HashAlgorithm
		hash string
		want bool
	}{
		{plugin.HashMD5, "md5-7", true},
		{plugin.HashSHA1, "sha1-7", true},
		{plugin.HashSHA256, "sha256-7", true},
		{plugin.HashSHA256, "sha256-8", false},
	}

	for _, tt := range tests {
		got, err := store.SampleExists(ctx, tt.algo, tt.hash)
		if err != nil {
			t.Fatalf("SampleExists(%s, %s) failed: %v", tt.algo, tt.hash, err)
		}
		if got != tt.want {
			t.Errorf("SampleExists(%s, %s) = %v, want %v", tt.algo, tt.hash, got, tt.want)
		}
	}

	if _, err := store.SampleExists(ctx, "crc32", "x"); err == nil {
		t.Error("expected error for unknown algorithm")
	}
}

func TestUpsertSampleInfo(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	sample := insertTestSample(t, store, 1)

	matched := true
	family := "lockbit"
	info := &SampleInfo{
		SampleID:      sample.ID,
		SourceName:    "feed",
		HashMatched:   &matched,
		MalwareFamily: &family,
		ExtraInfo:     []byte(`{"tags":["ransomware"]}`),
		FetchDate:     time.Now(),
		Priority:      1,
	}
	if err := store.UpsertSampleInfo(ctx, info); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}

	updated := "conti"
	info.MalwareFamily = &updated
	info.Priority = 0
	if err := store.UpsertSampleInfo(ctx, info); err != nil {
		t.Fatalf("failed to upsert again: %v", err)
	}

	infos, err := store.ListSampleInfo(ctx, sample.ID)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 info row, got %d", len(infos))
	}
	if *infos[0].MalwareFamily != "conti" || infos[0].Priority != 0 {
		t.Errorf("upsert did not update row: %+v", infos[0])
	}
	if string(infos[0].ExtraInfo) != `{"tags":["ransomware"]}` {
		t.Errorf("unexpected extra info %s", infos[0].ExtraInfo)
	}
}

func TestLivenessCheckIsUniquePerSample(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	sample := insertTestSample(t, store, 1)

	check := &LivenessCheck{
		SampleID:      sample.ID,
		CheckDate:     time.Now(),
		TimeToDetect:  1500 * time.Millisecond,
		IsAlive:       true,
		IsAliveReason: "(C:\\a.txt) File was deleted",
	}
	if err := store.InsertLivenessCheck(ctx, check); err != nil {
		t.Fatalf("failed to insert liveness check: %v", err)
	}

	got, err := store.GetLivenessCheck(ctx, sample.ID)
	if err != nil {
		t.Fatalf("failed to get liveness check: %v", err)
	}
	if !got.IsAlive || got.TimeToDetect != 1500*time.Millisecond || got.IsAliveReason != check.IsAliveReason {
		t.Errorf("unexpected liveness check: %+v", got)
	}

	if err := store.InsertLivenessCheck(ctx, &LivenessCheck{SampleID: sample.ID, CheckDate: time.Now()}); err == nil {
		t.Error("expected second liveness check to be rejected")
	}
}

func TestEvaluations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	sample := insertTestSample(t, store, 1)

	has, err := store.HasEvaluation(ctx, sample.ID, "acme")
	if err != nil || has {
		t.Fatalf("HasEvaluation before insert = %v, %v", has, err)
	}

	for _, vendor := range []string{"globex", "acme"} {
		err := store.InsertEvaluation(ctx, &Evaluation{
			SampleID:  sample.ID,
			Vendor:    vendor,
			CheckDate: time.Now(),
			IsInmune:  vendor == "acme",
		})
		if err != nil {
			t.Fatalf("failed to insert evaluation: %v", err)
		}
	}

	has, err = store.HasEvaluation(ctx, sample.ID, "acme")
	if err != nil || !has {
		t.Fatalf("HasEvaluation after insert = %v, %v", has, err)
	}

	evals, err := store.ListEvaluations(ctx, sample.ID)
	if err != nil {
		t.Fatalf("failed to list evaluations: %v", err)
	}
	if len(evals) != 2 || evals[0].Vendor != "acme" || !evals[0].IsInmune || evals[1].IsInmune {
		t.Errorf("unexpected evaluations: %+v", evals)
	}

	if err := store.InsertEvaluation(ctx, &Evaluation{SampleID: sample.ID, Vendor: "acme", CheckDate: time.Now()}); err == nil {
		t.Error("expected duplicate evaluation to be rejected")
	}
}

func TestDeleteSampleCascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	sample := insertTestSample(t, store, 1)

	if err := store.InsertLivenessCheck(ctx, &LivenessCheck{SampleID: sample.ID, CheckDate: time.Now()}); err != nil {
		t.Fatalf("failed to insert liveness check: %v", err)
	}
	if err := store.DeleteSample(ctx, sample.ID); err != nil {
		t.Fatalf("failed to delete sample: %v", err)
	}
	if _, err := store.GetLivenessCheck(ctx, sample.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("liveness check survived sample deletion: %v", err)
	}
	if err := store.DeleteSample(ctx, sample.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}
