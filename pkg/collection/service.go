package collection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/auri/auri/pkg/engine"
	"github.com/auri/auri/pkg/plugin"
	"github.com/auri/auri/pkg/stores"
	"github.com/auri/auri/pkg/telemetry"
)

// DefaultExistsCacheSize is the number of known SHA-256 hashes kept in memory.
const DefaultExistsCacheSize = 4096

// SampleStore is the part of the sample store used by collection.
type SampleStore interface {
	InsertSampleIfAbsent(ctx context.Context, sample *stores.RawSample) (bool, error)
	SampleExists(ctx context.Context, algo plugin.HashAlgorithm, hash string) (bool, error)
	UpsertSampleInfo(ctx context.Context, info *stores.SampleInfo) error
}

// Config configures a collection run.
type Config struct {
	// CacheDir holds one working directory per collector.
	CacheDir string

	// SamplesDir receives the collected files, named by SHA-1.
	SamplesDir string

	// HashWorkers bounds concurrent hashing. Defaults to the number of CPUs.
	HashWorkers int

	// ExistsCacheSize bounds the cache behind SampleExists.
	ExistsCacheSize int

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// Service runs collectors and stores what they find.
type Service struct {
	cfg        Config
	store      SampleStore
	collectors []plugin.Collector
	providers  []plugin.InfoProvider
	logger     zerolog.Logger

	status *engine.Broadcaster[Status]
	known  *lru.Cache[string, struct{}]

	// mu protects stats.
	mu    sync.Mutex
	stats Stats
}

// found is a sample handed over by a collector.
type found struct {
	collector plugin.Collector
	sample    plugin.RawCollectedSample
}

// hashed is a found sample whose file was validated and hashed.
type hashed struct {
	found
	hashes Hashes
}

// NewService creates a collection service. Providers are queried in order of
// priority, the first one having priority 0.
func NewService(cfg Config, store SampleStore, collectors []plugin.Collector, providers []plugin.InfoProvider) (*Service, error) {
	if cfg.HashWorkers <= 0 {
		cfg.HashWorkers = runtime.NumCPU()
	}
	if cfg.ExistsCacheSize <= 0 {
		cfg.ExistsCacheSize = DefaultExistsCacheSize
	}

	known, err := lru.New[string, struct{}](cfg.ExistsCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create sample cache: %w", err)
	}

	return &Service{
		cfg:        cfg,
		store:      store,
		collectors: collectors,
		providers:  providers,
		logger:     cfg.Logger.With().Str("phase", "collection").Logger(),
		status:     engine.NewBroadcaster[Status](NotStarted{}),
		known:      known,
	}, nil
}

// Status returns the broadcaster of the run status.
func (s *Service) Status() *engine.Broadcaster[Status] {
	return s.status
}

// Run collects until every collector is done or ctx ends and returns the final status.
// Cancelling ctx stops the collectors and finishes the run with what was stored so far.
func (s *Service) Run(ctx context.Context) Status {
	s.setStatus(Initializing{})

	if missing := plugin.CheckAll(ctx, s.collectors); len(missing) > 0 {
		s.logger.Error().Msgf("Missing dependencies:\n%s", plugin.FormatMissing(missing))
		return s.setStatus(MissingDependencies{Missing: missing})
	}

	s.mu.Lock()
	s.stats = newStats(s.collectors, s.providers)
	s.publishLocked()
	s.mu.Unlock()

	if err := os.MkdirAll(s.cfg.SamplesDir, 0o755); err != nil {
		return s.setStatus(Failed{What: "prepare samples directory", Why: err.Error()})
	}

	if err := s.pipeline(ctx); err != nil && ctx.Err() == nil {
		failed := asFailed(err)
		s.logger.Error().Err(err).Str("what", failed.What).Msg("Collection failed")
		return s.setStatus(failed)
	}

	s.mu.Lock()
	stats := s.stats.clone()
	s.mu.Unlock()

	s.logger.Info().Msg(stats.Summary())
	return s.setStatus(Finished{Stats: stats})
}

// pipeline wires collectors, hashing, ingestion and enrichment with channels.
// Each stage closes its output once its input is drained.
func (s *Service) pipeline(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	foundCh := make(chan found)
	hashedCh := make(chan hashed)
	storedCh := make(chan *stores.RawSample, len(s.providers)+1)

	g.Go(func() error {
		defer close(foundCh)

		collectors, cctx := errgroup.WithContext(gctx)
		for _, c := range s.collectors {
			collectors.Go(func() error { return s.runCollector(cctx, c, foundCh) })
		}
		return collectors.Wait()
	})

	g.Go(func() error {
		defer close(hashedCh)

		var hashers errgroup.Group
		hashers.SetLimit(s.cfg.HashWorkers)
		for f := range foundCh {
			hashers.Go(func() error {
				hashes, err := HashFile(f.sample.Executable)
				if err != nil {
					s.logger.Warn().Err(err).
						Str("collector", f.collector.Name()).
						Str("sample", f.sample.Name).
						Msg("Invalid sample file, skipping")
					s.cfg.Metrics.RecordSampleDropped(f.collector.Name(), "invalid")
					return nil
				}
				select {
				case hashedCh <- hashed{found: f, hashes: hashes}:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		return hashers.Wait()
	})

	g.Go(func() error {
		defer close(storedCh)

		for h := range hashedCh {
			sample, err := s.ingest(gctx, h)
			if err != nil {
				return err
			}
			if sample == nil {
				continue
			}
			select {
			case storedCh <- sample:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		for sample := range storedCh {
			if err := s.enrich(gctx, sample); err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}

// runCollector starts one collector and forwards its samples until its channel closes.
func (s *Service) runCollector(ctx context.Context, c plugin.Collector, out chan<- found) error {
	name := c.Name()
	workDir := filepath.Join(s.cfg.CacheDir, name)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		s.updateCollector(name, plugin.CollectorFailed{What: "prepare working directory", Why: err.Error()})
		return nil
	}

	statuses := c.Start(ctx, plugin.CollectionParameters{
		WorkingDirectory: workDir,
		SampleExists:     s.SampleExists,
	})

	for st := range statuses {
		s.updateCollector(name, st)

		switch st := st.(type) {
		case plugin.NewSample:
			select {
			case out <- found{collector: c, sample: st.Sample}:
			case <-ctx.Done():
			}
		case plugin.CollectorFailed:
			s.logger.Warn().Str("collector", name).Str("what", st.What).Msg(st.Why)
		case plugin.Retrying:
			s.logger.Warn().Str("collector", name).Str("what", st.What).
				Time("next_try", st.NextTryStart).Msg(st.Why)
		}
	}
	return nil
}

// ingest copies a hashed sample into the samples directory and stores it. The file
// is in place before the row is committed, so a phase reading the store never sees
// a sample without its file. It returns nil when the sample was already known or
// could not be copied.
func (s *Service) ingest(ctx context.Context, h hashed) (*stores.RawSample, error) {
	collector := h.collector.Name()
	version := h.collector.Version()
	name := h.sample.Name

	sample := &stores.RawSample{
		MD5:            h.hashes.MD5,
		SHA1:           h.hashes.SHA1,
		SHA256:         h.hashes.SHA256,
		Path:           h.hashes.SHA1,
		CollectionDate: time.Now(),
		SubmissionDate: h.sample.SubmissionDate,
		Name:           &name,
		SourceName:     &collector,
		SourceVersion:  &version,
	}

	logger := s.logger.With().Str("collector", collector).Str("sha256", sample.SHA256).Logger()

	known, err := s.SampleExists(ctx, plugin.HashSHA256, sample.SHA256)
	if err != nil {
		return nil, engine.NewPersistenceError("persist sample", engine.Wrapf(err, "Looking up sample %s", name))
	}
	if known {
		s.dropDuplicate(logger, sample, collector)
		return nil, nil
	}

	dst := filepath.Join(s.cfg.SamplesDir, sample.Path)
	placed, err := placeFile(h.sample.Executable, dst)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to copy sample, discarding it")
		s.cfg.Metrics.RecordSampleDropped(collector, "copy_failed")
		return nil, nil
	}

	inserted, err := s.store.InsertSampleIfAbsent(ctx, sample)
	if err != nil {
		if placed {
			_ = os.Remove(dst)
		}
		return nil, engine.NewPersistenceError("persist sample", engine.Wrapf(err, "Inserting sample %s", name))
	}
	if !inserted {
		// Same content as the stored file, which stays for the existing row
		s.dropDuplicate(logger, sample, collector)
		return nil, nil
	}

	s.known.Add(sample.SHA256, struct{}{})
	s.cfg.Metrics.RecordSampleCollected(collector)
	logger.Debug().Int64("sample_id", sample.ID).Msg("Sample collected")

	s.mu.Lock()
	s.stats.SamplesByCollector[collector]++
	s.stats.TotalSamples++
	s.publishLocked()
	s.mu.Unlock()

	return sample, nil
}

func (s *Service) dropDuplicate(logger zerolog.Logger, sample *stores.RawSample, collector string) {
	logger.Info().Msg("Sample already exists")
	s.known.Add(sample.SHA256, struct{}{})
	s.cfg.Metrics.RecordSampleDropped(collector, "duplicate")
}

// enrich queries every provider about sample and stores the answers.
func (s *Service) enrich(ctx context.Context, sample *stores.RawSample) error {
	if len(s.providers) == 0 {
		return nil
	}

	lookup := Hashes{MD5: sample.MD5, SHA1: sample.SHA1, SHA256: sample.SHA256}.Lookup()
	results := make([]*plugin.SampleInfo, len(s.providers))

	var providers errgroup.Group
	for i, p := range s.providers {
		providers.Go(func() error {
			info, err := p.SampleInfoByHash(ctx, lookup)
			if err != nil {
				s.logger.Warn().Err(err).
					Str("provider", p.Name()).
					Str("sha256", sample.SHA256).
					Msg("Info provider failed")
				return nil
			}
			results[i] = info
			return nil
		})
	}
	_ = providers.Wait()

	for priority, info := range results {
		if info == nil {
			continue
		}
		provider := s.providers[priority].Name()

		row := &stores.SampleInfo{
			SampleID:    sample.ID,
			SourceName:  provider,
			HashMatched: info.HashMatched,
			ExtraInfo:   info.ExtraInfo,
			FetchDate:   time.Now(),
			Priority:    priority,
		}
		if info.MalwareFamily != "" {
			family := info.MalwareFamily
			row.MalwareFamily = &family
		}

		if err := s.store.UpsertSampleInfo(ctx, row); err != nil {
			return engine.NewPersistenceError("persist sample info",
				engine.Wrapf(err, "Storing info from %s about sample %d", provider, sample.ID))
		}

		s.cfg.Metrics.RecordSampleInfo(provider)
		s.mu.Lock()
		s.stats.InfoByProvider[provider]++
		s.stats.TotalWithInfo++
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.publishLocked()
	s.mu.Unlock()
	return nil
}

// SampleExists reports whether a sample is stored. SHA-256 hits are cached.
func (s *Service) SampleExists(ctx context.Context, algo plugin.HashAlgorithm, hash string) (bool, error) {
	if algo == plugin.HashSHA256 && s.known.Contains(hash) {
		return true, nil
	}

	exists, err := s.store.SampleExists(ctx, algo, hash)
	if err != nil {
		return false, err
	}
	if exists && algo == plugin.HashSHA256 {
		s.known.Add(hash, struct{}{})
	}
	return exists, nil
}

func (s *Service) updateCollector(name string, st plugin.CollectorStatus) {
	s.cfg.Metrics.RecordCollectorEvent(name, plugin.CollectorStatusKind(st))

	s.mu.Lock()
	s.stats.CollectorStatus[name] = st
	s.publishLocked()
	s.mu.Unlock()
}

// publishLocked sets Collecting with a snapshot of the counters. s.mu must be held,
// so snapshots are published in the order they were taken.
func (s *Service) publishLocked() {
	s.status.Set(Collecting{Stats: s.stats.clone()})
}

func (s *Service) setStatus(st Status) Status {
	s.status.Set(st)
	s.logger.Debug().Str("status", st.Kind()).Msg("Collection status changed")
	return st
}

func asFailed(err error) Failed {
	var e *engine.EngineError
	if errors.As(err, &e) {
		return Failed{What: e.Operation, Why: e.Why()}
	}
	return Failed{What: "collect samples", Why: err.Error()}
}
