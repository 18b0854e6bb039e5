package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/auri/auri/pkg/plugin"
	"github.com/auri/auri/pkg/stores"
	"github.com/auri/auri/pkg/telemetry"
)

// persistFunc saves the verdict of a unit and returns its label.
type persistFunc func(ctx context.Context, report plugin.ChangeReport, timeToDetect time.Duration) (string, error)

// runUnit runs one sample on one target: launch, send, start, wait for changes,
// save and stop. It is not canceled by ctx once started. stats provides a snapshot
// of the phase stats for the published statuses.
func (p *phase) runUnit(
	ctx context.Context,
	t Target,
	sample *stores.RawSample,
	stats func() Stats,
	persist persistFunc,
) error {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "engine.unit", trace.WithAttributes(
		telemetry.AttrPhase.String(p.name),
		telemetry.AttrRunID.String(p.runID),
		telemetry.AttrTarget.String(t.Name),
		telemetry.AttrSampleID.Int64(sample.ID),
	))
	defer span.End()

	logger := p.logger.With().Int64("sample_id", sample.ID).Str("target", t.Name).Logger()
	logger.Info().Str("sample", sample.DisplayName()).Msg("Analyzing sample")

	timer := telemetry.NewTimer()
	verdict, ttd, err := p.unitSteps(ctx, t, sample, stats, persist, logger)
	if err != nil {
		err = annotate(err, fmt.Sprintf("Analyzing sample %d", sample.ID), p.whatSuffix(t))
		telemetry.RecordError(span, err)
		return err
	}

	span.SetAttributes(telemetry.AttrVerdict.String(verdict))
	telemetry.RecordSuccess(span)
	p.cfg.Metrics.RecordUnit(p.name, t.Name, verdict, timer.Duration(), ttd)
	logger.Info().Str("verdict", verdict).Dur("time_to_detect", ttd).Msg("Sample analyzed")
	return nil
}

func (p *phase) unitSteps(
	ctx context.Context,
	t Target,
	sample *stores.RawSample,
	stats func() Stats,
	persist persistFunc,
	logger zerolog.Logger,
) (string, time.Duration, error) {
	running := RunningNow{SampleID: sample.ID, Vendor: p.vendorOf(t)}
	step := func(s Step, deadline time.Time) {
		running.Step = s
		running.Deadline = deadline
		now := running
		p.setStatus(Analyzing{RunningNow: &now, Stats: stats()})
	}

	bindings, err := p.bindings(t)
	if err != nil {
		return "", 0, err
	}

	step(StepStartingVM, time.Time{})
	if err := p.launchVM(ctx, t, logger); err != nil {
		return "", 0, err
	}

	// From here on the VM is stopped whatever happens
	fail := func(err error) (string, time.Duration, error) {
		p.stopQuietly(ctx, t, logger)
		return "", 0, err
	}

	if err := p.awaitReady(ctx, t); err != nil {
		return fail(err)
	}

	step(StepSendingSample, time.Time{})
	script := NewLaunchScript(p.cfg.SampleExecutionPath)
	if err := p.sendSample(ctx, t, sample, script, logger); err != nil {
		return fail(err)
	}

	step(StepLaunchingSampleProcess, time.Time{})
	if err := p.startSample(ctx, t, script); err != nil {
		return fail(err)
	}

	start := time.Now()
	step(StepWaitingChanges, start.Add(p.cfg.ChangeLoop.Timeout))
	report := DetectChanges(ctx, p.cfg.ChangeLoop, bindings, t.Interaction, logger)
	ttd := time.Since(start)
	logger.Debug().Str("report", plugin.ReportKind(report)).Msg("Change detection finished")

	step(StepSavingResults, time.Time{})
	verdict, err := persist(ctx, report, ttd)
	if err != nil {
		return fail(NewPersistenceError("save results", Wrap(err, "Saving results")))
	}

	step(StepStoppingVM, time.Time{})
	if err := p.stopVM(ctx, t, logger); err != nil {
		return "", 0, err
	}

	return verdict, ttd, nil
}

// sendSample copies the sample and its launch script into the VM.
func (p *phase) sendSample(ctx context.Context, t Target, sample *stores.RawSample, script LaunchScript, logger zerolog.Logger) error {
	policy := NoRetry()
	if p.cfg.RetrySendFile {
		policy = p.cfg.Retry
	}

	path := filepath.Join(p.cfg.SamplesDir, sample.Path)
	err := Retry(ctx, policy, logger, func(ctx context.Context) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return t.Interaction.SendFile(ctx, f, p.cfg.SampleExecutionPath)
	})
	if err != nil {
		return NewTransientError("send file", Wrap(err, "Sending sample"))
	}

	err = Retry(ctx, policy, logger, func(ctx context.Context) error {
		return t.Interaction.SendFile(ctx, strings.NewReader(script.Content), script.Path)
	})
	if err != nil {
		return NewTransientError("send launch script file", Wrap(err, "Sending launch script"))
	}
	return nil
}

// startSample registers and runs the scheduled task starting the sample.
func (p *phase) startSample(ctx context.Context, t Target, script LaunchScript) error {
	if err := runGuestCommand(ctx, t.Interaction, script.CreateTask); err != nil {
		return NewReadinessError("prepare command", Wrap(err, "Creating scheduled task"))
	}
	if err := runGuestCommand(ctx, t.Interaction, script.RunTask); err != nil {
		return NewReadinessError("run command", Wrap(err, "Running scheduled task"))
	}
	return nil
}

// runGuestCommand runs a command in the VM. A non-zero exit code is an error.
func runGuestCommand(ctx context.Context, vm plugin.VMInteraction, command string) error {
	out, err := plugin.RunAndGetOutput(ctx, vm.PrepareCommand(command), "")
	if err != nil {
		return err
	}
	if !out.Succeeded() {
		msg := strings.TrimSpace(out.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(out.Stdout)
		}
		return fmt.Errorf("exit code %d: %s", out.ExitCode, msg)
	}
	return nil
}
