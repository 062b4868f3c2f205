// Package process spawns plugin executables with piped stdio.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// DefaultWaitDelay bounds how long Wait keeps copying stdio after the child
// has exited.
const DefaultWaitDelay = time.Second

// Options tune how a child is started.
type Options struct {
	Args []string
	Dir  string
	// Env is appended to the host environment.
	Env []string
	// Stderr receives the child's stderr. Nil discards it.
	Stderr io.Writer
	// WaitDelay overrides DefaultWaitDelay.
	WaitDelay time.Duration
}

type Process struct {
	cmd          *exec.Cmd
	stdinWriter  io.WriteCloser
	stdoutReader *io.PipeReader
	stdoutWriter *io.PipeWriter

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

// Spawn starts path with piped stdin and stdout. Stdout is delivered through an
// in-memory pipe so it stays readable while Wait runs in the background.
func Spawn(path string, opts Options) (*Process, error) {
	cmd := exec.Command(path, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	stdinWriter, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutReader, stdoutWriter := io.Pipe()
	cmd.Stdout = stdoutWriter
	cmd.Stderr = opts.Stderr
	cmd.WaitDelay = DefaultWaitDelay
	if opts.WaitDelay > 0 {
		cmd.WaitDelay = opts.WaitDelay
	}

	if err := cmd.Start(); err != nil {
		stdinWriter.Close()
		stdoutWriter.Close()
		return nil, fmt.Errorf("failed to start process %s: %w", path, err)
	}

	p := &Process{
		cmd:          cmd,
		stdinWriter:  stdinWriter,
		stdoutReader: stdoutReader,
		stdoutWriter: stdoutWriter,
		done:         make(chan struct{}),
	}
	go p.Wait()
	return p, nil
}

func (p *Process) Stdin() io.WriteCloser {
	return p.stdinWriter
}

func (p *Process) Stdout() io.ReadCloser {
	return p.stdoutReader
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the child has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the child exits. Readers of Stdout see io.EOF afterwards.
// It is safe to call more than once.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		if err := p.cmd.Wait(); err != nil {
			p.waitErr = fmt.Errorf("process exited with error: %w", err)
		}
		p.stdoutWriter.Close()
		close(p.done)
	})
	<-p.done
	return p.waitErr
}

// Close kills the child if it is still running and releases the pipes.
func (p *Process) Close() error {
	var errs *multierror.Error
	if err := p.stdinWriter.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = multierror.Append(errs, fmt.Errorf("failed to close stdin writer: %w", err))
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		errs = multierror.Append(errs, fmt.Errorf("failed to kill process: %w", err))
	}
	<-p.done
	if err := p.stdoutReader.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close stdout reader: %w", err))
	}
	return errs.ErrorOrNil()
}
