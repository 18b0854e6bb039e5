package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/auri/auri/pkg/plugin"
)

// Default change detection settings.
const (
	DefaultChangeTimeout = 5 * time.Minute
	DefaultAnalyzeEvery  = 15 * time.Second
	DefaultMaxAccessLost = 3

	accessLostReason = "Access lost"
)

// ChangeLoopConfig bounds a change detection loop.
type ChangeLoopConfig struct {
	// Timeout is the total time given to the sample to change the VM.
	Timeout time.Duration

	// Every is the pause between two polls of the analyzers.
	Every time.Duration

	// MaxAccessLost is the number of AccessLost reports that ends the loop early.
	MaxAccessLost int
}

func (c ChangeLoopConfig) withDefaults() ChangeLoopConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultChangeTimeout
	}
	if c.Every <= 0 {
		c.Every = DefaultAnalyzeEvery
	}
	if c.MaxAccessLost <= 0 {
		c.MaxAccessLost = DefaultMaxAccessLost
	}
	return c
}

// AnalyzerBinding pairs an analyzer with the work directory holding its reference
// state for one VM target.
type AnalyzerBinding struct {
	Analyzer plugin.Analyzer
	WorkDir  string
}

// DetectChanges polls the analyzers in order until one reports Changed, the
// AccessLost threshold is reached or the timeout elapses. A failed poll counts as
// NotChanged. On timeout the result is AccessLost if any poll lost access and
// NotChanged otherwise. Polls still running when the timeout fires are abandoned.
func DetectChanges(
	ctx context.Context,
	cfg ChangeLoopConfig,
	bindings []AnalyzerBinding,
	vm plugin.VMInteraction,
	logger zerolog.Logger,
) plugin.ChangeReport {
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var accessLost atomic.Int32
	conclusive := make(chan plugin.ChangeReport, 1)

	go func() {
		_ = Spaced(ctx, cfg.Every, func(ctx context.Context) (bool, error) {
			for _, b := range bindings {
				report, err := b.Analyzer.ReportChanges(ctx, b.WorkDir, vm)
				if err != nil {
					logger.Debug().Err(err).Str("analyzer", b.Analyzer.Name()).Msg("Analyzer poll failed")
					continue
				}

				switch r := report.(type) {
				case plugin.Changed:
					conclusive <- r
					return true, nil
				case plugin.AccessLost:
					if int(accessLost.Add(1)) >= cfg.MaxAccessLost {
						conclusive <- r
						return true, nil
					}
				}
			}
			return false, nil
		})
	}()

	select {
	case report := <-conclusive:
		return report
	case <-ctx.Done():
		// A conclusive report may race the deadline
		select {
		case report := <-conclusive:
			return report
		default:
		}
		if accessLost.Load() > 0 {
			return plugin.AccessLost{}
		}
		return plugin.NotChanged{}
	}
}

// Verdict reduces a change report to a boolean and a reason.
// accessLostAs is the boolean given to AccessLost.
func Verdict(report plugin.ChangeReport, accessLostAs bool) (bool, string) {
	switch r := report.(type) {
	case plugin.Changed:
		return true, strings.Join(r.Evidence, "\n")
	case plugin.AccessLost:
		return accessLostAs, accessLostReason
	default:
		return false, ""
	}
}
