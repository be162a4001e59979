// Package adapter implements the tool-side half of the fabric: it registers
// with the broker, binds the assigned data listener, spawns the wrapped
// command, and multiplexes its output across data subscribers while
// forwarding control-plane input to the child's stdin.
package adapter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/standardbeagle/gbe/internal/address"
	"github.com/standardbeagle/gbe/internal/client"
	"github.com/standardbeagle/gbe/internal/logger"
	"github.com/standardbeagle/gbe/internal/wire"
)

// State is the adapter lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateRunning
	StateDraining
	StateDead
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "dead"
	}
}

// Config configures an adapter run.
type Config struct {
	// Broker is the broker control address.
	Broker string

	// Command and Args name the child to wrap.
	Command string
	Args    []string

	// Dir is the child's working directory (inherit when empty).
	Dir string

	// Capabilities are advertised at Connect. "pty" attaches the child to a
	// pseudo-terminal; "raw" disables frame headers on outbound data.
	Capabilities []string

	// GracefulTimeout is the child SIGTERM grace before SIGKILL.
	GracefulTimeout time.Duration

	// ReadChunk sizes raw-mode reads.
	ReadChunk int
}

// Events are the adapter's observable callbacks. All are optional and are
// invoked from adapter goroutines.
type Events struct {
	OnSubscriberAttached func(total int)
	OnChildExit          func(exitCode int)
	OnDisconnect         func()
}

// Adapter drives one tool lifecycle. Create with New, then call Run once.
type Adapter struct {
	cfg    Config
	events Events
	log    logger.Logger

	state atomic.Int32

	toolID   atomic.Value // wire.ToolID
	dataAddr atomic.Value // string

	child *child
	fan   *fanout

	seq uint64
}

// New creates an adapter. A nil logger disables logging.
func New(cfg Config, events Events, log logger.Logger) *Adapter {
	if cfg.Broker == "" {
		cfg.Broker = client.DefaultBrokerAddress
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 5 * time.Second
	}
	if cfg.ReadChunk == 0 {
		cfg.ReadChunk = 32 * 1024
	}
	return &Adapter{
		cfg:    cfg,
		events: events,
		log:    logger.OrNop(log).With("component", "adapter"),
	}
}

// State returns the current lifecycle state.
func (a *Adapter) State() State { return State(a.state.Load()) }

// ToolID returns the broker-assigned identity, or "" before ConnectAck.
func (a *Adapter) ToolID() wire.ToolID {
	if v := a.toolID.Load(); v != nil {
		return v.(wire.ToolID)
	}
	return ""
}

// DataAddress returns the assigned data-listen address, or "" before
// ConnectAck.
func (a *Adapter) DataAddress() string {
	if v := a.dataAddr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// WriteInput forwards bytes to the child's stdin. Valid while Running.
func (a *Adapter) WriteInput(p []byte) error {
	if a.State() != StateRunning || a.child == nil {
		return fmt.Errorf("adapter is %s, not accepting input", a.State())
	}
	return a.child.writeStdin(p)
}

func (a *Adapter) hasCapability(token string) bool {
	for _, c := range a.cfg.Capabilities {
		if c == token {
			return true
		}
	}
	return false
}

// Run drives the full lifecycle: register with the broker, bind the data
// listener, spawn the child, pump output until exit, drain, and clean up.
// It returns once the adapter is Dead.
func (a *Adapter) Run(ctx context.Context) error {
	defer a.state.Store(int32(StateDead))

	// Connecting: control link + identity assignment.
	conn, err := address.Dial(a.cfg.Broker)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer conn.Close()

	enc := wire.NewEncoder(conn)
	dec := wire.NewDecoder(conn)

	caps := a.cfg.Capabilities
	if caps == nil {
		caps = []string{}
	}
	if err := enc.Encode(wire.Connect{Capabilities: caps}); err != nil {
		return err
	}
	resp, err := dec.Decode()
	if err != nil {
		return fmt.Errorf("awaiting ConnectAck: %w", err)
	}
	ack, ok := resp.(wire.ConnectAck)
	if !ok {
		if e, isErr := resp.(wire.ErrorMsg); isErr {
			return &wire.RemoteError{Code: e.Code, Message: e.Message}
		}
		return fmt.Errorf("expected ConnectAck, got %s", resp.Tag())
	}
	a.toolID.Store(ack.ToolID)
	a.dataAddr.Store(ack.DataListenAddress)
	a.log = a.log.With("tool", ack.ToolID)
	a.log.Info("registered", "address", ack.DataListenAddress)

	// Running: data listener first, then the child.
	listener, err := address.Listen(ack.DataListenAddress)
	if err != nil {
		_ = enc.Encode(wire.ErrorMsg{Code: wire.CodeAddressInUse, Message: err.Error()})
		_ = enc.Encode(wire.Disconnect{})
		return err
	}
	// Binding is paired with cleanup on every exit path.
	defer address.Unlink(ack.DataListenAddress)
	defer listener.Close()

	a.fan = newFanout(a.log, a.events.OnSubscriberAttached)

	a.child, err = startChild(a.cfg.Command, a.cfg.Args, a.cfg.Dir, a.hasCapability("pty"))
	if err != nil {
		_ = enc.Encode(wire.Disconnect{})
		return err
	}
	a.state.Store(int32(StateRunning))
	a.log.Info("child started", "command", a.cfg.Command, "pty", a.hasCapability("pty"))

	// Accept data subscribers until draining begins.
	go func() {
		for {
			c, err := listener.Accept()
			if err != nil {
				return
			}
			a.fan.add(c)
		}
	}()

	// Control loop: input forwarding and disconnect handling.
	ctlDone := make(chan struct{})
	go a.controlLoop(ctx, dec, ctlDone)

	// Terminate the child if the embedder cancels or the broker goes away.
	stopOnce := sync.Once{}
	go func() {
		select {
		case <-ctx.Done():
		case <-ctlDone:
		case <-a.child.done:
			return
		}
		stopOnce.Do(func() { a.child.stop(a.cfg.GracefulTimeout) })
	}()

	// Pump child output to subscribers until EOF.
	if a.hasCapability("raw") {
		a.pumpRaw()
	} else {
		a.pumpFramed()
	}

	// Draining: child is gone; stop accepting, flush queued payloads, close
	// write halves so every subscriber reads a clean EOF.
	a.state.Store(int32(StateDraining))
	_ = listener.Close()
	<-a.child.done
	_ = a.child.out.Close()
	exitCode := int(a.child.exitCode.Load())
	a.fan.closeAll()

	a.log.Info("child exited", "code", exitCode)
	if a.events.OnChildExit != nil {
		a.events.OnChildExit(exitCode)
	}

	_ = enc.Encode(wire.Disconnect{})
	return nil
}

// controlLoop reads broker-pushed messages: Input payloads for the child's
// stdin and the drain Disconnect. Closing ctlDone unwinds the run.
func (a *Adapter) controlLoop(ctx context.Context, dec *wire.Decoder, ctlDone chan struct{}) {
	defer close(ctlDone)

	for {
		msg, err := dec.Decode()
		if err != nil {
			// The adapter closes its own link on the way out; only a loss
			// while still Running counts as a disconnect.
			if a.State() == StateRunning {
				if ctx.Err() == nil && !errors.Is(err, io.EOF) && !isClosedErr(err) {
					a.log.Warn("control link failed", "error", err.Error())
				}
				if a.events.OnDisconnect != nil {
					a.events.OnDisconnect()
				}
			}
			return
		}

		switch m := msg.(type) {
		case wire.Input:
			if err := a.child.writeStdin(m.Data); err != nil {
				a.log.Warn("input forward failed", "error", err.Error())
			}
		case wire.Disconnect:
			a.log.Info("broker requested disconnect")
			if a.events.OnDisconnect != nil {
				a.events.OnDisconnect()
			}
			return
		default:
			a.log.Debug("ignoring control message", "type", msg.Tag())
		}
	}
}

// pumpFramed emits one frame per line boundary. Sequence numbers start at 0
// and increment per frame regardless of subscriber count; the final partial
// line (no trailing newline) is flushed as the last frame.
func (a *Adapter) pumpFramed() {
	r := bufio.NewReader(a.child.out)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			a.emitFrame(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !isPTYReadEnd(err) {
				a.log.Warn("child read failed", "error", err.Error())
			}
			return
		}
	}
}

// pumpRaw streams bytes without headers; boundaries are not preserved.
func (a *Adapter) pumpRaw() {
	buf := make([]byte, a.cfg.ReadChunk)
	for {
		n, err := a.child.out.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			a.fan.broadcast(out)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !isPTYReadEnd(err) {
				a.log.Warn("child read failed", "error", err.Error())
			}
			return
		}
	}
}

func (a *Adapter) emitFrame(payload []byte) {
	f := &wire.DataFrame{Seq: a.seq, Payload: payload}
	a.seq++
	a.fan.broadcast(wire.AppendFrame(make([]byte, 0, wire.FrameHeaderSize+len(payload)), f))
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		strings.Contains(err.Error(), "use of closed network connection")
}
