package adapter

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// child is the spawned command whose output feeds the data plane. Output is
// a single stream: under a PTY the terminal merges stdout and stderr; with
// pipes both descriptors share one pipe, so arrival order is preserved.
type child struct {
	cmd   *exec.Cmd
	out   io.ReadCloser
	stdin io.WriteCloser

	stdinMu sync.Mutex

	done     chan struct{}
	exitCode atomic.Int32
}

// startChild spawns command. With usePTY the child runs under a
// pseudo-terminal; otherwise stdout/stderr share a plain pipe.
func startChild(command string, args []string, dir string, usePTY bool) (*child, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()

	c := &child{cmd: cmd, done: make(chan struct{})}

	if usePTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("start %s under pty: %w", command, err)
		}
		c.out = ptmx
		c.stdin = ptmx
	} else {
		cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("output pipe: %w", err)
		}
		cmd.Stdout = w
		cmd.Stderr = w

		if err := cmd.Start(); err != nil {
			r.Close()
			w.Close()
			return nil, fmt.Errorf("start %s: %w", command, err)
		}
		// Close the parent's copy so the read side sees EOF on exit.
		w.Close()
		c.out = r
		c.stdin = stdin
	}

	go c.wait()
	return c, nil
}

func (c *child) wait() {
	err := c.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			c.exitCode.Store(int32(exitErr.ExitCode()))
		} else {
			c.exitCode.Store(-1)
		}
	}
	close(c.done)
}

// writeStdin forwards input bytes to the child verbatim.
func (c *child) writeStdin(p []byte) error {
	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()
	if _, err := c.stdin.Write(p); err != nil {
		return fmt.Errorf("write child stdin: %w", err)
	}
	return nil
}

// stop terminates the child: SIGTERM to its process group, bounded grace,
// then SIGKILL.
func (c *child) stop(grace time.Duration) {
	select {
	case <-c.done:
		return
	default:
	}

	if c.cmd.Process == nil {
		return
	}
	pid := c.cmd.Process.Pid

	signalGroup(pid, unix.SIGTERM)
	select {
	case <-c.done:
		return
	case <-time.After(grace):
	}

	signalGroup(pid, unix.SIGKILL)
	<-c.done
}

func signalGroup(pid int, sig unix.Signal) {
	if pgid, err := unix.Getpgid(pid); err == nil && pgid > 0 {
		_ = unix.Kill(-pgid, sig)
		return
	}
	_ = unix.Kill(pid, sig)
}

// isPTYReadEnd reports whether a read error means the PTY's child side
// closed; Linux surfaces this as EIO rather than EOF.
func isPTYReadEnd(err error) bool {
	return errors.Is(err, unix.EIO)
}
