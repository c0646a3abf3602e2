package upstream

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Launcher starts a child process speaking MCP over stdio.
type Launcher interface {
	// Launch starts the child. stderr receives the child's standard error.
	Launch(ctx context.Context, stderr io.Writer) (Process, error)
}

// Process is a running child.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	PID() int
	// Wait blocks until the process exits. It must only be called after
	// Stdout has been drained.
	Wait() error
	// Kill terminates the process and anything it spawned.
	Kill() error
}

// CommandLauncher runs an executable with a fixed argument list.
//
// Args may reference environment variables as ${NAME}; they are expanded at
// launch time from Env and then the process environment, so credentials such
// as an access token never need to appear in configuration files or logs.
type CommandLauncher struct {
	Command string
	Args    []string
	Env     []string // KEY=VALUE pairs added to the inherited environment
	Dir     string
}

// String names the command without its arguments, which may hold secrets.
func (l CommandLauncher) String() string { return l.Command }

func (l CommandLauncher) Launch(ctx context.Context, stderr io.Writer) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.Command == "" {
		return nil, fmt.Errorf("no upstream command configured")
	}

	// Not CommandContext: the child must outlive the connect call.
	cmd := exec.Command(l.Command, expandArgs(l.Args, l.Env)...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Dir = l.Dir
	cmd.Stderr = stderr
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Command, err)
	}
	return &cmdProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func expandArgs(args, env []string) []string {
	overrides := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				overrides[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	lookup := func(name string) string {
		if v, ok := overrides[name]; ok {
			return v
		}
		return os.Getenv(name)
	}

	out := make([]string, len(args))
	for i, a := range args {
		out[i] = os.Expand(a, lookup)
	}
	return out
}

type cmdProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *cmdProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *cmdProcess) Stdout() io.Reader     { return p.stdout }
func (p *cmdProcess) PID() int              { return p.cmd.Process.Pid }
func (p *cmdProcess) Wait() error           { return p.cmd.Wait() }
func (p *cmdProcess) Kill() error           { return killProcess(p.cmd) }
