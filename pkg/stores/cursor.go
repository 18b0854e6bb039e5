package stores

import (
	"context"
	"strings"
	"time"
)

// Default cursor settings.
const (
	DefaultBatchSize     = 100
	DefaultKeepListening = time.Second
)

// Filter selects samples. Filters are built with the Filter* constructors.
type Filter struct {
	name  string
	where string
	args  []any
}

// String returns the filter name.
func (f Filter) String() string { return f.name }

// FilterAll selects every sample.
func FilterAll() Filter {
	return Filter{name: "all", where: "1 = 1"}
}

// FilterNotLivenessChecked selects samples without a liveness verdict.
func FilterNotLivenessChecked() Filter {
	return Filter{
		name:  "not liveness checked",
		where: `NOT EXISTS (SELECT 1 FROM sample_liveness_check l WHERE l.sample_id = raw_sample.id)`,
	}
}

// FilterAlive selects samples whose liveness verdict is alive.
func FilterAlive() Filter {
	return Filter{
		name:  "alive",
		where: `EXISTS (SELECT 1 FROM sample_liveness_check l WHERE l.sample_id = raw_sample.id AND l.is_alive = 1)`,
	}
}

// FilterNotAlive selects samples that were never found alive, checked or not.
func FilterNotAlive() Filter {
	return Filter{
		name:  "not alive",
		where: `NOT EXISTS (SELECT 1 FROM sample_liveness_check l WHERE l.sample_id = raw_sample.id AND l.is_alive = 1)`,
	}
}

// FilterAlivePendingEvaluation selects alive samples missing an evaluation for at least one of vendors.
func FilterAlivePendingEvaluation(vendors []string) Filter {
	if len(vendors) == 0 {
		return Filter{name: "alive pending evaluation", where: "0 = 1"}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(vendors)), ", ")
	args := make([]any, 0, len(vendors)+1)
	for _, v := range vendors {
		args = append(args, v)
	}
	args = append(args, len(vendors))

	return Filter{
		name: "alive pending evaluation",
		where: FilterAlive().where + ` AND (
			SELECT COUNT(DISTINCT e.vendor) FROM sample_evaluation e
			WHERE e.sample_id = raw_sample.id AND e.vendor IN (` + placeholders + `)
		) < ?`,
		args: args,
	}
}

// CursorOptions configures a SampleCursor.
type CursorOptions struct {
	// BatchSize is the number of rows read per query. Defaults to DefaultBatchSize.
	BatchSize int

	// PollInterval makes the cursor wait for new rows instead of ending when it runs
	// out of rows. Zero means the cursor is finite.
	PollInterval time.Duration
}

// SampleCursor reads samples in ascending identifier order, one batch at a time.
// It never emits a sample whose id is lower than or equal to one it already emitted.
// A cursor is not safe for concurrent use.
type SampleCursor struct {
	store  *SQLiteStore
	filter Filter
	opts   CursorOptions

	lastID  int64
	pending []*RawSample
}

func newSampleCursor(store *SQLiteStore, filter Filter, opts CursorOptions) *SampleCursor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &SampleCursor{store: store, filter: filter, opts: opts}
}

// Next returns the next sample. A finite cursor returns ErrCursorExhausted once no
// row is left; a polling cursor blocks until a row appears or ctx ends.
func (c *SampleCursor) Next(ctx context.Context) (*RawSample, error) {
	for len(c.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := c.store.samplesAfter(ctx, c.filter, c.lastID, c.opts.BatchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			c.pending = batch
			break
		}

		if c.opts.PollInterval <= 0 {
			return nil, ErrCursorExhausted
		}

		timer := time.NewTimer(c.opts.PollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	sample := c.pending[0]
	c.pending = c.pending[1:]
	c.lastID = sample.ID
	return sample, nil
}

// LastID returns the id of the last emitted sample, 0 before the first.
func (c *SampleCursor) LastID() int64 {
	return c.lastID
}
