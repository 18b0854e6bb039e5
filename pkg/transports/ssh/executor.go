package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/auri/auri/pkg/plugin"
)

// PrepareCommand builds a command run in its own exec session.
func (i *Interaction) PrepareCommand(command string) plugin.Command {
	c := &remoteCommand{interaction: i, line: command}
	c.stdinR, c.stdinW = io.Pipe()
	c.stdoutR, c.stdoutW = io.Pipe()
	c.stderrR, c.stderrW = io.Pipe()
	return c
}

// remoteCommand streams its standard streams through pipes so they can be used
// while the session runs.
type remoteCommand struct {
	interaction *Interaction
	line        string

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
}

func (c *remoteCommand) Stdin() io.WriteCloser { return c.stdinW }
func (c *remoteCommand) Stdout() io.Reader     { return c.stdoutR }
func (c *remoteCommand) Stderr() io.Reader     { return c.stderrR }

// Run executes the command and returns its exit code. A non-zero exit code is not an error.
func (c *remoteCommand) Run(ctx context.Context) (int, error) {
	code, err := c.run(ctx)
	if err != nil {
		c.stdoutW.CloseWithError(err)
		c.stderrW.CloseWithError(err)
	} else {
		c.stdoutW.Close()
		c.stderrW.Close()
	}
	c.stdinR.Close()
	return code, err
}

func (c *remoteCommand) run(ctx context.Context) (int, error) {
	startTime := time.Now()
	logger := c.interaction.logger

	client, err := c.interaction.connect(ctx)
	if err != nil {
		return 0, err
	}

	session, err := client.NewSession()
	if err != nil {
		return 0, temporary("exec", fmt.Errorf("failed to create session: %w", err))
	}
	defer session.Close()

	session.Stdout = c.stdoutW
	session.Stderr = c.stderrW
	stdin, err := session.StdinPipe()
	if err != nil {
		return 0, permanent("exec", fmt.Errorf("failed to open stdin: %w", err))
	}

	logger.Debug().Str("command", truncate(c.line, 80)).Msg("Running command")
	if err := session.Start(c.line); err != nil {
		return 0, temporary("exec", fmt.Errorf("failed to start command: %w", err))
	}

	// Stdin is copied outside of the session so Wait does not block on a caller
	// that never closes it.
	go func() {
		_, _ = io.Copy(stdin, c.stdinR)
		_ = stdin.Close()
	}()

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var waitErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		c.stdoutW.CloseWithError(ctx.Err())
		c.stderrW.CloseWithError(ctx.Err())
		<-done
		return 0, temporary("exec", ctx.Err())
	case waitErr = <-done:
	}

	logger.Debug().Dur("took", time.Since(startTime)).Err(waitErr).Msg("Command finished")

	var exitErr *ssh.ExitError
	switch {
	case waitErr == nil:
		return 0, nil
	case errors.As(waitErr, &exitErr):
		return exitErr.ExitStatus(), nil
	default:
		return 0, temporary("exec", waitErr)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
