// Package plugintest provides an in-memory VMInteraction for plugin tests.
package plugintest

import (
	"context"
	"io"
	"sync"

	"github.com/auri/auri/pkg/plugin"
)

// Result is the outcome of a guest command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Handler answers a guest command. A non-nil error is a transport failure.
type Handler func(command, stdin string) (Result, error)

// VM is an in-memory VMInteraction. Files sent to it are kept by path.
type VM struct {
	plugin.Info

	mu       sync.Mutex
	handler  Handler
	files    map[string][]byte
	commands []string
}

// NewVM creates a VM answering commands with handler.
func NewVM(handler Handler) *VM {
	return &VM{
		Info:    plugin.Info{PluginName: "test VM", PluginVersion: "test"},
		handler: handler,
		files:   make(map[string][]byte),
	}
}

// SetHandler replaces the command handler.
func (v *VM) SetHandler(handler Handler) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handler = handler
}

// File returns the content sent to path.
func (v *VM) File(path string) ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	data, ok := v.files[path]
	return data, ok
}

// Commands returns the commands run so far.
func (v *VM) Commands() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.commands...)
}

func (v *VM) CheckDependencies(context.Context) []plugin.MissingDependency { return nil }
func (v *VM) AwaitReady(context.Context) error                             { return nil }
func (v *VM) Close() error                                                 { return nil }

func (v *VM) SendFile(_ context.Context, r io.Reader, remotePath string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.files[remotePath] = data
	return nil
}

func (v *VM) PrepareCommand(line string) plugin.Command {
	c := &command{vm: v, line: line}
	c.stdinR, c.stdinW = io.Pipe()
	c.stdoutR, c.stdoutW = io.Pipe()
	c.stderrR, c.stderrW = io.Pipe()
	return c
}

type command struct {
	vm   *VM
	line string

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
}

func (c *command) Stdin() io.WriteCloser { return c.stdinW }
func (c *command) Stdout() io.Reader     { return c.stdoutR }
func (c *command) Stderr() io.Reader     { return c.stderrR }

// Run reads stdin until it is closed, then answers through the handler.
func (c *command) Run(context.Context) (int, error) {
	stdin, err := io.ReadAll(c.stdinR)
	if err != nil {
		return 0, err
	}

	c.vm.mu.Lock()
	c.vm.commands = append(c.vm.commands, c.line)
	handler := c.vm.handler
	c.vm.mu.Unlock()

	result, err := handler(c.line, string(stdin))
	if err != nil {
		c.stdoutW.CloseWithError(err)
		c.stderrW.CloseWithError(err)
		return 0, err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.WriteString(c.stdoutW, result.Stdout)
		c.stdoutW.Close()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.WriteString(c.stderrW, result.Stderr)
		c.stderrW.Close()
	}()
	wg.Wait()

	return result.ExitCode, nil
}
