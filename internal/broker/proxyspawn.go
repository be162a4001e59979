package broker

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/standardbeagle/gbe/internal/address"
	"github.com/standardbeagle/gbe/internal/wire"
)

// errProxyStartup is returned when a spawned proxy never binds its socket.
var errProxyStartup = errors.New("proxy did not come up")

// proxyRecord is the broker-side state for one tee proxy subprocess.
type proxyRecord struct {
	upstreamID wire.ToolID
	addr       string
	raw        bool

	// ready is closed once startup settles; err then holds the outcome.
	ready chan struct{}
	err   error

	cmd  *exec.Cmd
	done chan struct{} // closed when the process is reaped

	subscribers atomic.Int64
	flowStatus  atomic.Pointer[string]
}

func newProxyRecord(upstream wire.ToolID, addr string, raw bool) *proxyRecord {
	return &proxyRecord{
		upstreamID: upstream,
		addr:       addr,
		raw:        raw,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// awaitReady blocks until startup settles and returns the startup error.
func (p *proxyRecord) awaitReady() error {
	<-p.ready
	return p.err
}

// setFlowStatus records the last FlowControl status reported by the proxy.
func (p *proxyRecord) setFlowStatus(status string) {
	p.flowStatus.Store(&status)
}

// spawnProxy launches the tee subprocess for upstream and waits, bounded by
// ProxySpawnTimeout, for its listen socket to appear. The record's ready
// channel is settled before returning.
func (b *Broker) spawnProxy(rec *proxyRecord, upstreamAddr string) {
	defer close(rec.ready)

	argv := b.config.ProxyCommand
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			rec.err = fmt.Errorf("resolve proxy executable: %w", err)
			return
		}
		argv = []string{exe, "proxy"}
	}

	args := append(append([]string{}, argv[1:]...),
		"--upstream", upstreamAddr,
		"--listen", rec.addr,
		"--broker", b.config.SocketAddress,
		"--source", rec.upstreamID,
	)
	if rec.raw {
		args = append(args, "--raw")
	}
	if b.config.ProxyStallThreshold > 0 {
		args = append(args, "--stall-ms", fmt.Sprint(b.config.ProxyStallThreshold.Milliseconds()))
	}
	if b.config.ProxyBufferBudget > 0 {
		args = append(args, "--budget", fmt.Sprint(b.config.ProxyBufferBudget))
	}
	if b.config.ProxyHeadOfLineStall {
		args = append(args, "--head-of-line-stall")
	}

	cmd := exec.Command(argv[0], args...)
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		rec.err = fmt.Errorf("spawn proxy: %w", err)
		return
	}
	rec.cmd = cmd

	go b.reapProxy(rec)

	if err := waitForSocket(rec.addr, b.config.ProxySpawnTimeout); err != nil {
		rec.err = err
		b.stopProxyProcess(rec)
		return
	}
}

// reapProxy waits for the subprocess and cleans up its record when it exits
// on its own (upstream EOF or crash).
func (b *Broker) reapProxy(rec *proxyRecord) {
	err := rec.cmd.Wait()
	close(rec.done)

	address.Unlink(rec.addr)
	b.reg.dropProxy(rec.upstreamID, rec)

	if err != nil {
		b.log.Warn("proxy exited", "upstream", rec.upstreamID, "error", err.Error())
	} else {
		b.log.Info("proxy exited", "upstream", rec.upstreamID)
	}
}

// stopProxyProcess terminates the subprocess: SIGTERM to its process group,
// bounded grace, then SIGKILL. The socket file is unlinked best-effort (the
// proxy unlinks its own socket on orderly exit; this covers the forced
// paths).
func (b *Broker) stopProxyProcess(rec *proxyRecord) {
	defer address.Unlink(rec.addr)

	if rec.cmd == nil || rec.cmd.Process == nil {
		return
	}
	pid := rec.cmd.Process.Pid

	signalGroup(pid, unix.SIGTERM)
	select {
	case <-rec.done:
		return
	case <-time.After(b.config.ProxyGracefulTimeout):
	}

	signalGroup(pid, unix.SIGKILL)
	select {
	case <-rec.done:
	case <-time.After(100 * time.Millisecond):
	}
}

// signalGroup signals the whole process group, falling back to the single
// process when no group exists.
func signalGroup(pid int, sig unix.Signal) {
	if pgid, err := unix.Getpgid(pid); err == nil && pgid > 0 {
		_ = unix.Kill(-pgid, sig)
		return
	}
	_ = unix.Kill(pid, sig)
}

// waitForSocket polls for the socket file behind addr.
func waitForSocket(addr string, timeout time.Duration) error {
	path, err := address.SplitUnix(addr)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		if fi, err := os.Lstat(path); err == nil && fi.Mode().Type() == os.ModeSocket {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s not bound within %s", errProxyStartup, path, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
