package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/auri/auri/pkg/plugin"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the sample store backed by SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database connection with WAL mode, foreign keys and a busy timeout.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Pragmas are applied by the driver on every new pooled connection
	dsn := fmt.Sprintf(
		"%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.path, s.cfg.BusyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// InsertSampleIfAbsent stores sample unless a sample with the same SHA-256 exists.
// The check and the insert share one transaction. On insert, sample.ID is set.
func (s *SQLiteStore) InsertSampleIfAbsent(ctx context.Context, sample *RawSample) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM raw_sample WHERE sha256 = ?`, sample.SHA256).Scan(&existing)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("failed to look up sample: %w", err)
	}

	query := `
		INSERT INTO raw_sample (md5, sha1, sha256, path, collection_date, submission_date, name, source_name, source_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := tx.ExecContext(ctx, query,
		sample.MD5,
		sample.SHA1,
		sample.SHA256,
		sample.Path,
		formatDate(sample.CollectionDate),
		formatOptionalDate(sample.SubmissionDate),
		sample.Name,
		sample.SourceName,
		sample.SourceVersion,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert sample: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("failed to get sample id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit sample: %w", err)
	}

	sample.ID = id
	return true, nil
}

// DeleteSample removes a sample and, through cascades, its info and verdicts.
func (s *SQLiteStore) DeleteSample(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM raw_sample WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete sample: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("sample %d: %w", id, ErrNotFound)
	}

	return nil
}

// GetSample retrieves a sample by ID
func (s *SQLiteStore) GetSample(ctx context.Context, id int64) (*RawSample, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sampleColumns+` FROM raw_sample WHERE id = ?`, id)
	sample, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sample %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sample: %w", err)
	}
	return sample, nil
}

// SampleExists reports whether a sample with the given hash is stored.
func (s *SQLiteStore) SampleExists(ctx context.Context, algo plugin.HashAlgorithm, hash string) (bool, error) {
	var column string
	switch algo {
	case plugin.HashMD5:
		column = "md5"
	case plugin.HashSHA1:
		column = "sha1"
	case plugin.HashSHA256:
		column = "sha256"
	default:
		return false, fmt.Errorf("unsupported hash algorithm: %s", algo)
	}

	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM raw_sample WHERE ` + column + ` = ?)`
	if err := s.db.QueryRowContext(ctx, query, hash).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check sample existence: %w", err)
	}
	return exists, nil
}

// UpsertSampleInfo inserts or replaces the info of a sample from one source.
func (s *SQLiteStore) UpsertSampleInfo(ctx context.Context, info *SampleInfo) error {
	query := `
		INSERT INTO sample_info (sample_id, source_name, hash_matched, malware_family, extra_info, fetch_date, priority)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sample_id, source_name) DO UPDATE SET
			hash_matched = excluded.hash_matched,
			malware_family = excluded.malware_family,
			extra_info = excluded.extra_info,
			fetch_date = excluded.fetch_date,
			priority = excluded.priority
	`

	var extra *string
	if len(info.ExtraInfo) > 0 {
		v := string(info.ExtraInfo)
		extra = &v
	}

	_, err := s.db.ExecContext(ctx, query,
		info.SampleID,
		info.SourceName,
		info.HashMatched,
		info.MalwareFamily,
		extra,
		formatDate(info.FetchDate),
		info.Priority,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert sample info: %w", err)
	}

	return nil
}

// ListSampleInfo returns the info rows of a sample ordered by priority.
func (s *SQLiteStore) ListSampleInfo(ctx context.Context, sampleID int64) ([]*SampleInfo, error) {
	query := `
		SELECT sample_id, source_name, hash_matched, malware_family, extra_info, fetch_date, priority
		FROM sample_info
		WHERE sample_id = ?
		ORDER BY priority ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sampleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sample info: %w", err)
	}
	defer rows.Close()

	var infos []*SampleInfo
	for rows.Next() {
		info := &SampleInfo{}
		var (
			hashMatched sql.NullBool
			family      sql.NullString
			extra       sql.NullString
			fetchDate   string
		)
		if err := rows.Scan(&info.SampleID, &info.SourceName, &hashMatched, &family, &extra, &fetchDate, &info.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan sample info: %w", err)
		}
		if hashMatched.Valid {
			info.HashMatched = &hashMatched.Bool
		}
		if family.Valid {
			info.MalwareFamily = &family.String
		}
		if extra.Valid {
			info.ExtraInfo = []byte(extra.String)
		}
		if info.FetchDate, err = parseDate(fetchDate); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sample info: %w", err)
	}

	return infos, nil
}

// InsertLivenessCheck stores the liveness verdict of a sample. A sample has at most one.
func (s *SQLiteStore) InsertLivenessCheck(ctx context.Context, check *LivenessCheck) error {
	query := `
		INSERT INTO sample_liveness_check (sample_id, check_date, time_to_detect, is_alive, is_alive_reason)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		check.SampleID,
		check.CheckDate.UTC().Format(time.RFC3339Nano),
		check.TimeToDetect.Milliseconds(),
		check.IsAlive,
		check.IsAliveReason,
	)
	if err != nil {
		return fmt.Errorf("failed to insert liveness check: %w", err)
	}

	if check.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get liveness check id: %w", err)
	}

	return nil
}

// GetLivenessCheck retrieves the liveness verdict of a sample
func (s *SQLiteStore) GetLivenessCheck(ctx context.Context, sampleID int64) (*LivenessCheck, error) {
	query := `
		SELECT id, sample_id, check_date, time_to_detect, is_alive, is_alive_reason
		FROM sample_liveness_check
		WHERE sample_id = ?
	`

	check := &LivenessCheck{}
	var (
		checkDate string
		ttd       int64
	)
	err := s.db.QueryRowContext(ctx, query, sampleID).Scan(
		&check.ID,
		&check.SampleID,
		&checkDate,
		&ttd,
		&check.IsAlive,
		&check.IsAliveReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("liveness check of sample %d: %w", sampleID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get liveness check: %w", err)
	}

	if check.CheckDate, err = time.Parse(time.RFC3339Nano, checkDate); err != nil {
		return nil, fmt.Errorf("invalid check date %q: %w", checkDate, err)
	}
	check.TimeToDetect = time.Duration(ttd) * time.Millisecond

	return check, nil
}

// InsertEvaluation stores the verdict of a sample against a vendor.
func (s *SQLiteStore) InsertEvaluation(ctx context.Context, eval *Evaluation) error {
	query := `
		INSERT INTO sample_evaluation (sample_id, vendor, check_date, time_to_detect, is_inmune, is_inmune_reason)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		eval.SampleID,
		eval.Vendor,
		eval.CheckDate.UTC().Format(time.RFC3339Nano),
		eval.TimeToDetect.Milliseconds(),
		eval.IsInmune,
		eval.IsInmuneReason,
	)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}

	return nil
}

// HasEvaluation reports whether a sample was already evaluated against vendor.
func (s *SQLiteStore) HasEvaluation(ctx context.Context, sampleID int64, vendor string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM sample_evaluation WHERE sample_id = ? AND vendor = ?)`
	if err := s.db.QueryRowContext(ctx, query, sampleID, vendor).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check evaluation: %w", err)
	}
	return exists, nil
}

// ListEvaluations returns the evaluations of a sample ordered by vendor.
func (s *SQLiteStore) ListEvaluations(ctx context.Context, sampleID int64) ([]*Evaluation, error) {
	query := `
		SELECT sample_id, vendor, check_date, time_to_detect, is_inmune, is_inmune_reason
		FROM sample_evaluation
		WHERE sample_id = ?
		ORDER BY vendor ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sampleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()

	var evals []*Evaluation
	for rows.Next() {
		eval := &Evaluation{}
		var (
			checkDate string
			ttd       int64
		)
		if err := rows.Scan(&eval.SampleID, &eval.Vendor, &checkDate, &ttd, &eval.IsInmune, &eval.IsInmuneReason); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		if eval.CheckDate, err = time.Parse(time.RFC3339Nano, checkDate); err != nil {
			return nil, fmt.Errorf("invalid check date %q: %w", checkDate, err)
		}
		eval.TimeToDetect = time.Duration(ttd) * time.Millisecond
		evals = append(evals, eval)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating evaluations: %w", err)
	}

	return evals, nil
}

// CountSamples counts the samples matching filter.
func (s *SQLiteStore) CountSamples(ctx context.Context, filter Filter) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM raw_sample WHERE ` + filter.where
	if err := s.db.QueryRowContext(ctx, query, filter.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s samples: %w", filter.name, err)
	}
	return count, nil
}

// Samples returns a cursor over the samples matching filter in identifier order.
func (s *SQLiteStore) Samples(filter Filter, opts CursorOptions) *SampleCursor {
	return newSampleCursor(s, filter, opts)
}

// samplesAfter reads at most limit samples matching filter with an id greater than afterID.
func (s *SQLiteStore) samplesAfter(ctx context.Context, filter Filter, afterID int64, limit int) ([]*RawSample, error) {
	query := `SELECT ` + sampleColumns + ` FROM raw_sample WHERE id > ? AND (` + filter.where + `) ORDER BY id ASC LIMIT ?`

	args := make([]any, 0, len(filter.args)+2)
	args = append(args, afterID)
	args = append(args, filter.args...)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s samples: %w", filter.name, err)
	}
	defer rows.Close()

	var samples []*RawSample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		samples = append(samples, sample)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating samples: %w", err)
	}

	return samples, nil
}

const sampleColumns = `id, md5, sha1, sha256, path, collection_date, submission_date, name, source_name, source_version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSample(row rowScanner) (*RawSample, error) {
	sample := &RawSample{}
	var (
		collectionDate string
		submissionDate sql.NullString
		name           sql.NullString
		sourceName     sql.NullString
		sourceVersion  sql.NullString
	)

	err := row.Scan(
		&sample.ID,
		&sample.MD5,
		&sample.SHA1,
		&sample.SHA256,
		&sample.Path,
		&collectionDate,
		&submissionDate,
		&name,
		&sourceName,
		&sourceVersion,
	)
	if err != nil {
		return nil, err
	}

	if sample.CollectionDate, err = parseDate(collectionDate); err != nil {
		return nil, err
	}
	if submissionDate.Valid {
		d, err := parseDate(submissionDate.String)
		if err != nil {
			return nil, err
		}
		sample.SubmissionDate = &d
	}
	sample.Name = nullableString(name)
	sample.SourceName = nullableString(sourceName)
	sample.SourceVersion = nullableString(sourceVersion)

	return sample, nil
}

func nullableString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func formatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

func formatOptionalDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatDate(*t)
	return &s
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}
