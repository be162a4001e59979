// Package proxy implements the standalone tee: it pulls one upstream data
// stream and duplicates every frame to N downstream subscribers, reporting
// write pressure on its broker control link.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/standardbeagle/gbe/internal/address"
	"github.com/standardbeagle/gbe/internal/client"
	"github.com/standardbeagle/gbe/internal/logger"
	"github.com/standardbeagle/gbe/internal/wire"
)

// ErrUpstreamUnavailable is returned when the upstream cannot be reached
// within the retry budget.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Config configures one proxy run.
type Config struct {
	// Upstream is the data socket to pull from.
	Upstream string
	// Listen is the address to serve downstream subscribers on.
	Listen string
	// Raw selects headerless tee mode (the upstream advertised "raw").
	Raw bool

	// Broker, when set, enables FlowControl reporting on a control link.
	Broker string
	// SourceID names the upstream tool in FlowControl reports.
	SourceID wire.ToolID

	// BufferBudget bounds bytes queued per downstream before it is
	// considered stalled (default 4 MiB).
	BufferBudget int
	// StallThreshold bounds a single blocked write (default 100 ms).
	StallThreshold time.Duration
	// HeadOfLineStall keeps slow downstreams and stalls the tee instead of
	// dropping them. Off by default.
	HeadOfLineStall bool

	// ConnectRetries, ConnectBackoff, ConnectBackoffCap shape the upstream
	// connect retry loop (defaults 3, 50 ms, 400 ms).
	ConnectRetries    int
	ConnectBackoff    time.Duration
	ConnectBackoffCap time.Duration

	// ReadChunk sizes raw-mode reads.
	ReadChunk int
}

func (c Config) withDefaults() Config {
	if c.BufferBudget == 0 {
		c.BufferBudget = 4 << 20
	}
	if c.StallThreshold == 0 {
		c.StallThreshold = 100 * time.Millisecond
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = 3
	}
	if c.ConnectBackoff == 0 {
		c.ConnectBackoff = 50 * time.Millisecond
	}
	if c.ConnectBackoffCap == 0 {
		c.ConnectBackoffCap = 400 * time.Millisecond
	}
	if c.ReadChunk == 0 {
		c.ReadChunk = 32 * 1024
	}
	return c
}

// Engine is the tee. Create with New, run once with Run.
type Engine struct {
	cfg Config
	log logger.Logger

	mu          sync.Mutex
	downstreams map[int64]*downstream
	nextID      int64
	closed      bool
	wg          sync.WaitGroup

	// reporter is nil when no broker link is configured.
	reporter *flowReporter

	teed atomic.Uint64 // frames (or raw chunks) duplicated
}

// New creates a proxy engine. A nil logger disables logging.
func New(cfg Config, log logger.Logger) *Engine {
	return &Engine{
		cfg:         cfg.withDefaults(),
		log:         logger.OrNop(log).With("component", "proxy"),
		downstreams: make(map[int64]*downstream),
	}
}

// Run executes the tee until upstream EOF (returns nil) or an unrecoverable
// failure. Downstream disconnects are never fatal.
func (e *Engine) Run(ctx context.Context) error {
	up, err := e.connectUpstream(ctx)
	if err != nil {
		e.reportUpstreamFailure(err)
		return err
	}
	defer up.Close()

	listener, err := address.Listen(e.cfg.Listen)
	if err != nil {
		return err
	}
	// Bind paired with cleanup on every exit path.
	defer address.Unlink(e.cfg.Listen)
	defer listener.Close()

	if e.cfg.Broker != "" {
		e.reporter = newFlowReporter(e.cfg.Broker, e.cfg.SourceID, e.log)
		defer e.reporter.close()
	}

	e.log.Info("tee started", "upstream", e.cfg.Upstream, "listen", e.cfg.Listen, "raw", e.cfg.Raw)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			e.addDownstream(conn)
		}
	}()

	// Unblock the upstream read when the context ends.
	stop := context.AfterFunc(ctx, func() { _ = up.Close() })
	defer stop()

	if e.cfg.Raw {
		err = e.teeRaw(up)
	} else {
		err = e.teeFramed(up)
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	}

	// Upstream is done: drain queued payloads to every downstream and close
	// write halves so subscribers observe EOF after the final frame.
	e.closeAll()

	if err != nil {
		return err
	}
	e.log.Info("upstream closed, tee finished", "teed", e.teed.Load())
	return nil
}

// connectUpstream dials the upstream with bounded exponential backoff.
func (e *Engine) connectUpstream(ctx context.Context) (net.Conn, error) {
	backoff := e.cfg.ConnectBackoff
	var lastErr error

	for attempt := 0; attempt <= e.cfg.ConnectRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > e.cfg.ConnectBackoffCap {
				backoff = e.cfg.ConnectBackoffCap
			}
		}

		conn, err := address.Dial(e.cfg.Upstream)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		e.log.Warn("upstream connect failed", "attempt", attempt+1, "error", err.Error())
	}

	return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, lastErr)
}

func (e *Engine) reportUpstreamFailure(err error) {
	if !errors.Is(err, ErrUpstreamUnavailable) || e.cfg.Broker == "" {
		return
	}
	c := client.New(client.WithBrokerAddress(e.cfg.Broker), client.WithTimeout(2*time.Second))
	if c.Dial() == nil {
		defer c.Close()
		_ = c.SendError(wire.CodeUpstreamUnavailable, err.Error())
	}
}

// teeFramed relays frames verbatim: the upstream sequence numbers are
// preserved, never reassigned, reordered, or coalesced.
func (e *Engine) teeFramed(up net.Conn) error {
	for {
		f, err := wire.ReadFrame(up)
		if err != nil {
			if errors.Is(err, io.EOF) || isClosedErr(err) {
				return nil
			}
			return err
		}
		buf := wire.AppendFrame(make([]byte, 0, wire.FrameHeaderSize+len(f.Payload)), f)
		e.broadcast(buf)
		e.teed.Add(1)
	}
}

// teeRaw relays opaque byte batches.
func (e *Engine) teeRaw(up net.Conn) error {
	buf := make([]byte, e.cfg.ReadChunk)
	for {
		n, err := up.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			e.broadcast(out)
			e.teed.Add(1)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || isClosedErr(err) {
				return nil
			}
			return err
		}
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
