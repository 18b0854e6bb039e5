package plugin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ChangeReport is the outcome of a single analyzer poll.
// It is one of NotChanged, Changed or AccessLost.
type ChangeReport interface {
	isChangeReport()
}

// NotChanged means the analyzer saw no difference against the reference state.
type NotChanged struct{}

// Changed means the analyzer saw differences. Evidence holds one line per difference.
type Changed struct {
	Evidence []string
}

// AccessLost means the analyzer could not reach the VM.
type AccessLost struct{}

func (NotChanged) isChangeReport() {}
func (Changed) isChangeReport()    {}
func (AccessLost) isChangeReport() {}

// ReportKind returns a stable name for a change report.
func ReportKind(r ChangeReport) string {
	switch r.(type) {
	case NotChanged:
		return "not_changed"
	case Changed:
		return "changed"
	case AccessLost:
		return "access_lost"
	default:
		return "unknown"
	}
}

// Analyzer observes a VM and reports changes relative to a previously captured state.
// The reference state is owned by the analyzer and kept inside workDir.
type Analyzer interface {
	Plugin
	Dependent

	// CaptureInitialState records the reference state of a clean VM.
	CaptureInitialState(ctx context.Context, workDir string, vm VMInteraction) error

	// ReportChanges compares the current VM state with the captured one.
	ReportChanges(ctx context.Context, workDir string, vm VMInteraction) (ChangeReport, error)
}

// VMManager controls the lifecycle of a virtual machine.
type VMManager interface {
	Plugin
	Dependent

	// LaunchVM restores the clean snapshot and starts the VM.
	LaunchVM(ctx context.Context) error

	// StopVM powers the VM off. Stopping a VM that is not running is not an error.
	StopVM(ctx context.Context) error
}

// VMInteraction is the channel used to talk to a running VM.
type VMInteraction interface {
	Plugin
	Dependent
	io.Closer

	// AwaitReady blocks until the VM accepts interactions.
	AwaitReady(ctx context.Context) error

	// SendFile copies the content of r to remotePath inside the VM, replacing any existing file.
	SendFile(ctx context.Context, r io.Reader, remotePath string) error

	// PrepareCommand builds a command to be run inside the VM. Nothing runs until Command.Run.
	PrepareCommand(command string) Command
}

// Command is a prepared remote command.
// Stdin, Stdout and Stderr are valid before and during Run.
type Command interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader

	// Run executes the command and waits for it to finish.
	Run(ctx context.Context) (exitCode int, err error)
}

// CodeWithOutput is the result of RunAndGetOutput.
type CodeWithOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Succeeded reports whether the command exited with code 0.
func (c CodeWithOutput) Succeeded() bool { return c.ExitCode == 0 }

// RunAndGetOutput runs cmd, writes input to its stdin and collects its output.
func RunAndGetOutput(ctx context.Context, cmd Command, input string) (CodeWithOutput, error) {
	var stdout, stderr bytes.Buffer

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := io.Copy(&stdout, cmd.Stdout())
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&stderr, cmd.Stderr())
		return err
	})
	g.Go(func() error {
		defer cmd.Stdin().Close()
		if input == "" {
			return nil
		}
		_, err := io.Copy(cmd.Stdin(), strings.NewReader(input))
		return err
	})

	code, runErr := cmd.Run(gctx)
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to stream command output: %w", err)
	}
	if runErr != nil {
		return CodeWithOutput{}, runErr
	}
	return CodeWithOutput{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}
