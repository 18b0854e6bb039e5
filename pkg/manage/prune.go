// Package manage holds maintenance operations on the Auri base directory.
package manage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/auri/auri/pkg/stores"
)

// aliveDir temporarily holds alive samples during an aggressive prune.
const aliveDir = "alive"

// SampleSource streams stored samples.
type SampleSource interface {
	Samples(filter stores.Filter, opts stores.CursorOptions) *stores.SampleCursor
}

// PruneResult reports what a prune removed.
type PruneResult struct {
	PrunedSamples int
	BytesFreed    int64
}

// Service runs maintenance operations. Database rows are never modified.
type Service struct {
	samplesDir string
	store      SampleSource
	logger     zerolog.Logger
}

// NewService creates a maintenance service over samplesDir.
func NewService(samplesDir string, store SampleSource, logger zerolog.Logger) *Service {
	return &Service{
		samplesDir: samplesDir,
		store:      store,
		logger:     logger.With().Str("component", "manage").Logger(),
	}
}

// PruneSamples deletes sample files to free space.
//
// The default mode deletes the files of samples that were never found alive. The
// aggressive mode keeps only the files of alive samples and deletes everything else
// in the samples directory, including samples not analyzed yet and unrelated files.
func (s *Service) PruneSamples(ctx context.Context, aggressive bool) (PruneResult, error) {
	s.logger.Info().Bool("aggressive", aggressive).Msg("Pruning dead samples")

	var (
		result PruneResult
		err    error
	)
	if aggressive {
		result, err = s.pruneNonAlive(ctx)
	} else {
		result, err = s.pruneDead(ctx)
	}
	if err != nil {
		return result, err
	}

	s.logger.Info().
		Int("pruned_samples", result.PrunedSamples).
		Int64("bytes_freed", result.BytesFreed).
		Msg("Pruning dead samples finished")
	return result, nil
}

func (s *Service) pruneDead(ctx context.Context) (PruneResult, error) {
	var result PruneResult

	err := s.each(ctx, stores.FilterNotAlive(), func(sample *stores.RawSample) error {
		path := filepath.Join(s.samplesDir, sample.Path)
		logger := s.logger.With().Int64("sample_id", sample.ID).Logger()

		info, err := os.Lstat(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logger.Debug().Msg("Sample file not found, skipping")
			return nil
		case err != nil:
			return err
		case !info.Mode().IsRegular():
			logger.Debug().Msg("Sample is not a regular file, skipping")
			return nil
		}

		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to delete sample %d: %w", sample.ID, err)
		}
		logger.Debug().Msg("Deleted sample")
		result.PrunedSamples++
		result.BytesFreed += info.Size()
		return nil
	})
	return result, err
}

func (s *Service) pruneNonAlive(ctx context.Context) (PruneResult, error) {
	var result PruneResult

	keep := filepath.Join(s.samplesDir, aliveDir)
	if err := os.MkdirAll(keep, 0o755); err != nil {
		return result, fmt.Errorf("failed to create %s: %w", keep, err)
	}

	err := s.each(ctx, stores.FilterAlive(), func(sample *stores.RawSample) error {
		path := filepath.Join(s.samplesDir, sample.Path)
		if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug().Int64("sample_id", sample.ID).Msg("Sample file not found, skipping")
			return nil
		}
		return os.Rename(path, filepath.Join(keep, sample.Path))
	})
	if err != nil {
		return result, err
	}

	entries, err := os.ReadDir(s.samplesDir)
	if err != nil {
		return result, err
	}
	for _, entry := range entries {
		if entry.Name() == aliveDir {
			continue
		}
		path := filepath.Join(s.samplesDir, entry.Name())
		size, err := diskUsage(path)
		if err != nil {
			return result, err
		}
		if err := os.RemoveAll(path); err != nil {
			return result, fmt.Errorf("failed to delete %s: %w", path, err)
		}
		result.PrunedSamples++
		result.BytesFreed += size
	}

	kept, err := os.ReadDir(keep)
	if err != nil {
		return result, err
	}
	s.logger.Info().Int("alive_samples", len(kept)).Msg("Restoring alive samples")
	for _, entry := range kept {
		if err := os.Rename(filepath.Join(keep, entry.Name()), filepath.Join(s.samplesDir, entry.Name())); err != nil {
			return result, err
		}
	}

	return result, os.Remove(keep)
}

// each calls fn for every sample matching filter.
func (s *Service) each(ctx context.Context, filter stores.Filter, fn func(*stores.RawSample) error) error {
	cursor := s.store.Samples(filter, stores.CursorOptions{})
	for {
		sample, err := cursor.Next(ctx)
		if errors.Is(err, stores.ErrCursorExhausted) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s samples: %w", filter, err)
		}
		if err := fn(sample); err != nil {
			return err
		}
	}
}

// diskUsage sums the sizes of the regular files under path.
func diskUsage(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
