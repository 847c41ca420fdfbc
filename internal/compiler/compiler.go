// Package compiler bridges to an out-of-process incremental compiler. The
// compiler itself is an external collaborator: it accepts an entrypoint
// and a set of invalidated source files and produces an updated compiled
// unit plus the current dependency list.
package compiler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Result is the outcome of one incremental compile.
type Result struct {
	// OutputPath is the compiled unit on disk. Empty when ErrorCount > 0.
	OutputPath string
	// Sources is the dependency source list of the compiled program.
	Sources []string
	// ErrorCount is the number of compile errors reported.
	ErrorCount int
	// Diagnostics is the compiler's human-readable output.
	Diagnostics string
}

// Compiler produces incremental compiled units.
type Compiler interface {
	// Recompile compiles entrypoint treating invalidated as changed since
	// the previous delta. An empty invalidated set still produces a
	// (possibly empty) incremental unit.
	Recompile(ctx context.Context, entrypoint string, invalidated []string) (*Result, error)
	// Accept commits the last delta as the new compile baseline.
	Accept() error
	// Reject discards the last delta, keeping the previous baseline.
	Reject() error
	// Shutdown terminates the resident process.
	Shutdown() error
}

// ProcessCompiler drives a resident compiler binary over a line protocol
// on stdin/stdout:
//
//	-> recompile <entrypoint> <n>
//	-> <invalidated path> (n lines)
//	<- source <path>      (repeated, current dependency list)
//	<- result <output-path> <error-count>
//
// plus bare "accept" / "reject" commands.
type ProcessCompiler struct {
	path   string
	args   []string
	logger *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	started bool
}

// NewProcessCompiler creates a bridge to the resident compiler binary at
// path. The process is started lazily on the first Recompile.
func NewProcessCompiler(path string, args []string, logger *zap.Logger) *ProcessCompiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessCompiler{path: path, args: args, logger: logger}
}

// start launches the resident process. Caller holds mu.
func (c *ProcessCompiler) start() error {
	if c.started {
		return nil
	}

	cmd := exec.Command(c.path, c.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("compiler stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("compiler stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start compiler: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.stdout = bufio.NewScanner(stdout)
	c.started = true
	c.logger.Debug("resident compiler started", zap.String("path", c.path))
	return nil
}

// Recompile sends one compile request and parses the response. At most one
// compile runs at a time.
func (c *ProcessCompiler) Recompile(ctx context.Context, entrypoint string, invalidated []string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.start(); err != nil {
		return nil, err
	}

	var req strings.Builder
	fmt.Fprintf(&req, "recompile %s %d\n", entrypoint, len(invalidated))
	for _, path := range invalidated {
		req.WriteString(path)
		req.WriteByte('\n')
	}
	if _, err := io.WriteString(c.stdin, req.String()); err != nil {
		return nil, fmt.Errorf("write compile request: %w", err)
	}

	// A cancelled context kills the resident process; a half-read
	// response stream cannot be resynchronized.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			c.cmd.Process.Kill()
		case <-watchDone:
		}
	}()

	result := &Result{}
	var diagnostics []string
	for c.stdout.Scan() {
		line := c.stdout.Text()
		switch {
		case strings.HasPrefix(line, "source "):
			result.Sources = append(result.Sources, strings.TrimPrefix(line, "source "))
		case strings.HasPrefix(line, "result "):
			fields := strings.Fields(line)
			if len(fields) != 3 {
				return nil, fmt.Errorf("malformed compiler result: %q", line)
			}
			count, err := strconv.Atoi(fields[2])
			if err != nil {
				return nil, fmt.Errorf("malformed compiler result: %q", line)
			}
			result.ErrorCount = count
			if count == 0 {
				result.OutputPath = fields[1]
			}
			result.Diagnostics = strings.Join(diagnostics, "\n")
			return result, nil
		default:
			diagnostics = append(diagnostics, line)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.stdout.Err(); err != nil {
		return nil, fmt.Errorf("read compiler output: %w", err)
	}
	return nil, fmt.Errorf("compiler exited before producing a result")
}

// Accept commits the last delta.
func (c *ProcessCompiler) Accept() error {
	return c.send("accept")
}

// Reject discards the last delta.
func (c *ProcessCompiler) Reject() error {
	return c.send("reject")
}

func (c *ProcessCompiler) send(command string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	_, err := io.WriteString(c.stdin, command+"\n")
	return err
}

// Shutdown closes the compiler's stdin and waits for it to exit.
func (c *ProcessCompiler) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	c.stdin.Close()
	return c.cmd.Wait()
}
