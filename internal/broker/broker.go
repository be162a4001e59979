// Package broker implements the control-plane coordinator: it accepts
// control links, assigns identities and data addresses, tracks the
// subscription topology, and interposes tee proxies on every subscription.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/standardbeagle/gbe/internal/address"
	"github.com/standardbeagle/gbe/internal/logger"
	"github.com/standardbeagle/gbe/internal/wire"
)

// Broker is the central coordinator. Payload bytes never pass through it;
// only control messages do.
type Broker struct {
	config Config
	log    logger.Logger

	alloc *address.Allocator
	reg   *registry

	listener *net.UnixListener

	sessions     sync.Map // session id -> *session
	sessionCount atomic.Int64
	nextID       atomic.Int64

	draining atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopMu  sync.Mutex
	stopped bool
}

// New creates a broker. A nil logger disables logging.
func New(config Config, log logger.Logger) *Broker {
	def := DefaultConfig()
	if config.SocketAddress == "" {
		config.SocketAddress = def.SocketAddress
	}
	if config.MaxControlFrame == 0 {
		config.MaxControlFrame = def.MaxControlFrame
	}
	if config.ProxySpawnTimeout == 0 {
		config.ProxySpawnTimeout = def.ProxySpawnTimeout
	}
	if config.ProxyGracefulTimeout == 0 {
		config.ProxyGracefulTimeout = def.ProxyGracefulTimeout
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		config: config,
		log:    logger.OrNop(log).With("component", "broker"),
		alloc:  address.NewAllocator(config.DataDir),
		reg:    newRegistry(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Address returns the broker's control listen address.
func (b *Broker) Address() string { return b.config.SocketAddress }

// ToolCount returns the number of live tool records.
func (b *Broker) ToolCount() int { return b.reg.toolCount() }

// Tools lists the connected tools.
func (b *Broker) Tools() []wire.ToolInfo { return b.reg.listTools() }

// Start binds the control socket and begins accepting links. Failure to
// bind is fatal for the broker.
func (b *Broker) Start() error {
	b.stopMu.Lock()
	if b.stopped {
		b.stopMu.Unlock()
		return errors.New("broker already stopped")
	}
	b.stopMu.Unlock()

	l, err := address.Listen(b.config.SocketAddress)
	if err != nil {
		return fmt.Errorf("bind control socket: %w", err)
	}
	b.listener = l

	b.log.Info("broker started", "address", b.config.SocketAddress, "data_dir", b.alloc.Dir())

	b.wg.Add(1)
	go b.acceptLoop()
	return nil
}

// Stop drains the broker: new Connects are refused, tools get a Disconnect,
// proxies are terminated, and owned socket files are unlinked.
func (b *Broker) Stop(ctx context.Context) error {
	b.stopMu.Lock()
	if b.stopped {
		b.stopMu.Unlock()
		return nil
	}
	b.stopped = true
	b.stopMu.Unlock()

	b.log.Info("broker stopping")
	b.draining.Store(true)
	b.cancel()

	if b.listener != nil {
		_ = b.listener.Close()
	}

	// Ask every connected tool to unwind, then close the links.
	for _, s := range b.reg.allSessions() {
		s.send(wire.Disconnect{})
	}

	var stopWg sync.WaitGroup
	for _, p := range b.reg.allProxies() {
		stopWg.Add(1)
		go func(rec *proxyRecord) {
			defer stopWg.Done()
			b.stopProxyProcess(rec)
		}(p)
	}
	stopWg.Wait()

	b.sessions.Range(func(_, value any) bool {
		value.(*session).close()
		return true
	})

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	address.Unlink(b.config.SocketAddress)
	b.log.Info("broker stopped")
	return err
}

// Wait blocks until the broker's context is cancelled and all sessions have
// unwound.
func (b *Broker) Wait() {
	<-b.ctx.Done()
	b.wg.Wait()
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()

	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.ctx.Done():
				return
			default:
				b.log.Warn("accept failed", "error", err.Error())
				continue
			}
		}

		if b.config.MaxClients > 0 && b.sessionCount.Load() >= int64(b.config.MaxClients) {
			b.log.Warn("refusing control link, client limit reached")
			_ = conn.Close()
			continue
		}

		id := b.nextID.Add(1)
		sess := newSession(id, conn, b)
		b.sessions.Store(id, sess)
		b.sessionCount.Add(1)

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer func() {
				b.sessions.Delete(id)
				b.sessionCount.Add(-1)
			}()
			sess.handle()
		}()
	}
}

// proxyForSubscribe resolves the proxy record for a subscription to target,
// spawning the tee subprocess when none is live. Every subscription routes
// through a proxy; handing out the upstream address directly would race a
// second subscriber arriving mid-ack.
func (b *Broker) proxyForSubscribe(target *ToolRecord) (*proxyRecord, error) {
	pending := newProxyRecord(target.ID, b.alloc.ProxyAddressFor(target.ID), target.HasCapability("raw"))

	rec, installed := b.reg.ensureProxy(target.ID, pending)
	if installed {
		b.log.Info("spawning proxy", "upstream", target.ID, "listen", rec.addr, "raw", rec.raw)
		b.spawnProxy(rec, target.Address)
		if rec.err != nil {
			b.reg.dropProxy(target.ID, rec)
			return nil, rec.err
		}
		return rec, nil
	}

	// Another subscriber's spawn may still be settling.
	if err := rec.awaitReady(); err != nil {
		return nil, err
	}
	return rec, nil
}

// releaseProxySubscriber drops one subscriber from target's proxy and tears
// the proxy down when the last one leaves.
func (b *Broker) releaseProxySubscriber(target wire.ToolID) {
	rec, ok := b.reg.proxyFor(target)
	if !ok {
		return
	}
	if rec.subscribers.Add(-1) > 0 {
		return
	}

	b.log.Info("last subscriber left, stopping proxy", "upstream", target)
	b.reg.dropProxy(target, rec)
	b.stopProxyProcess(rec)
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "use of closed network connection")
}

// Run starts the broker and blocks until ctx is done, then drains with the
// configured shutdown timeout. This is the entry the CLI uses.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.Start(); err != nil {
		return err
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), b.config.ShutdownTimeout)
	defer cancel()
	return b.Stop(stopCtx)
}
