package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/kcosr/termstation-sub005/internal/logger"
)

// SpawnSpec is everything the runtime adapter needs to start a session's
// process inside its isolation boundary.
type SpawnSpec struct {
	SessionID      string
	Command        string
	Args           []string
	Dir            string
	Env            []string
	IsolationMode  string
	ContainerName  string
	ContainerImage string
	Cols           int
	Rows           int
}

// Process is the handle the runtime keeps on the spawned command.
type Process interface {
	// Wait blocks until exit and returns the exit code.
	Wait() int
	// Signal delivers sig to the process group.
	Signal(sig os.Signal) error
	// Kill force-terminates.
	Kill() error
}

// Runner spawns session processes. The default implementation covers the
// three isolation modes; tests substitute their own.
type Runner interface {
	Spawn(spec SpawnSpec) (ptmx *os.File, proc Process, err error)
	// StopContainer stops a container left behind by a container-isolated
	// session. No-op for other modes.
	StopContainer(ctx context.Context, name string) error
}

// execProcess wraps exec.Cmd as a Process.
type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() int {
	err := p.cmd.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return SpawnFailedExitCode
}

func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	// Negative pid signals the group; the PTY child leads its own.
	if s, ok := sig.(syscall.Signal); ok {
		if err := syscall.Kill(-p.cmd.Process.Pid, s); err == nil {
			return nil
		}
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// LocalRunner spawns commands on the host. Directory isolation runs the
// command in a dedicated per-session directory; container isolation wraps
// it in `podman run` (or docker, per Engine).
type LocalRunner struct {
	// Engine is the container CLI, "podman" by default.
	Engine string
	// WorkDirRoot holds per-session directories for directory isolation.
	WorkDirRoot string
}

func (r *LocalRunner) engine() string {
	if r.Engine != "" {
		return r.Engine
	}
	return "podman"
}

func (r *LocalRunner) Spawn(spec SpawnSpec) (*os.File, Process, error) {
	var cmd *exec.Cmd

	switch spec.IsolationMode {
	case IsolationContainer:
		if spec.ContainerName == "" {
			return nil, nil, fmt.Errorf("container isolation requires a container name")
		}
		image := spec.ContainerImage
		if image == "" {
			return nil, nil, fmt.Errorf("container isolation requires an image")
		}
		args := []string{"run", "--rm", "-it", "--name", spec.ContainerName, image, spec.Command}
		args = append(args, spec.Args...)
		cmd = exec.Command(r.engine(), args...)

	case IsolationDirectory:
		root := r.WorkDirRoot
		if root == "" {
			root = os.TempDir()
		}
		dir := filepath.Join(root, spec.SessionID)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, nil, fmt.Errorf("create session dir: %w", err)
		}
		cmd = exec.Command(spec.Command, spec.Args...)
		cmd.Dir = dir

	default:
		cmd = exec.Command(spec.Command, spec.Args...)
		if spec.Dir != "" {
			cmd.Dir = spec.Dir
		}
	}

	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(spec.Cols),
		Rows: uint16(spec.Rows),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("start pty: %w", err)
	}
	return ptmx, &execProcess{cmd: cmd}, nil
}

func (r *LocalRunner) StopContainer(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	out, err := exec.CommandContext(stopCtx, r.engine(), "stop", "-t", "5", name).CombinedOutput()
	if err != nil {
		logger.Warn("container stop failed", "container", name, "error", err, "output", string(out))
		return fmt.Errorf("stop container %s: %w", name, err)
	}
	return nil
}
