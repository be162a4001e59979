package proxy

import (
	"net"
	"sync"
	"time"

	"github.com/standardbeagle/gbe/internal/client"
	"github.com/standardbeagle/gbe/internal/logger"
	"github.com/standardbeagle/gbe/internal/wire"
)

// downstream is one subscriber connection. Writes proceed independently of
// every other downstream from a dedicated goroutine; pending payloads are
// queued under a byte budget.
type downstream struct {
	id   int64
	conn net.Conn

	mu      sync.Mutex
	cond    *sync.Cond
	pending [][]byte
	queued  int // bytes in pending
	closed  bool
	drain   bool // deliver what is queued, then shut down
	stalled bool // died on a write exceeding the stall threshold
}

func newDownstream(id int64, conn net.Conn) *downstream {
	d := &downstream{id: id, conn: conn}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// enqueue appends a payload. The returned value is false when the
// downstream's budget is exhausted, i.e. it is stalled.
func (d *downstream) enqueue(buf []byte, budget int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.drain {
		return true
	}
	if d.queued+len(buf) > budget {
		return false
	}
	d.pending = append(d.pending, buf)
	d.queued += len(buf)
	d.cond.Signal()
	return true
}

// finish lets queued payloads drain, then closes the write half so the
// subscriber reads EOF after the final payload.
func (d *downstream) finish() {
	d.mu.Lock()
	d.drain = true
	d.cond.Signal()
	d.mu.Unlock()
}

// abort drops the downstream immediately, discarding queued payloads.
func (d *downstream) abort() {
	d.mu.Lock()
	d.closed = true
	d.pending = nil
	d.queued = 0
	d.cond.Signal()
	d.mu.Unlock()
	_ = d.conn.Close()
}

// serve writes queued payloads until closed or drained. Returns normally on
// drain, with stalled=true when a single write exceeded the threshold
// without completing (the connection is then dead or glacial).
func (d *downstream) serve(stallThreshold time.Duration) {
	for {
		d.mu.Lock()
		for len(d.pending) == 0 && !d.closed && !d.drain {
			d.cond.Wait()
		}
		if d.closed || (d.drain && len(d.pending) == 0) {
			done := !d.closed
			d.mu.Unlock()
			if done {
				if uc, ok := d.conn.(*net.UnixConn); ok {
					_ = uc.CloseWrite()
				}
			}
			_ = d.conn.Close()
			return
		}
		buf := d.pending[0]
		d.pending = d.pending[1:]
		d.queued -= len(buf)
		d.mu.Unlock()

		// A write that blocks past the threshold marks the peer stalled;
		// the deadline error lands us on the abort path.
		_ = d.conn.SetWriteDeadline(time.Now().Add(stallThreshold))
		if _, err := d.conn.Write(buf); err != nil {
			d.mu.Lock()
			d.closed = true
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				d.stalled = true
			}
			d.pending = nil
			d.queued = 0
			d.mu.Unlock()
			_ = d.conn.Close()
			return
		}
	}
}

// dead reports whether serve gave up on this downstream.
func (d *downstream) dead() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// addDownstream registers an accepted subscriber connection.
func (e *Engine) addDownstream(conn net.Conn) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = conn.Close()
		return
	}
	e.nextID++
	d := newDownstream(e.nextID, conn)
	e.downstreams[d.id] = d
	total := len(e.downstreams)
	e.mu.Unlock()

	e.log.Info("downstream attached", "downstream", d.id, "total", total)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		d.serve(e.cfg.StallThreshold)

		d.mu.Lock()
		stalled := d.stalled
		d.mu.Unlock()
		if stalled {
			e.log.Warn("downstream write stalled past threshold, dropping", "downstream", d.id)
			if e.reporter != nil {
				e.reporter.backpressure()
			}
			e.dropDownstream(d, true)
			return
		}
		e.dropDownstream(d, false)
	}()
}

// broadcast hands buf to every live downstream. A downstream over budget is
// reported as backpressure and, under the default policy, dropped; with
// head-of-line stalling enabled the tee instead waits for it to recover.
func (e *Engine) broadcast(buf []byte) {
	e.mu.Lock()
	targets := make([]*downstream, 0, len(e.downstreams))
	for _, d := range e.downstreams {
		targets = append(targets, d)
	}
	e.mu.Unlock()

	for _, d := range targets {
		if d.dead() {
			e.dropDownstream(d, false)
			continue
		}
		if d.enqueue(buf, e.cfg.BufferBudget) {
			continue
		}

		// Stalled.
		if e.reporter != nil {
			e.reporter.backpressure()
		}
		if e.cfg.HeadOfLineStall {
			e.stallUntilRoom(d, buf)
			continue
		}
		e.log.Warn("downstream over budget, dropping", "downstream", d.id)
		e.dropDownstream(d, true)
	}
}

// stallUntilRoom blocks the tee until the slow downstream accepts the
// payload or dies. Opt-in: this trades fabric progress for losslessness.
func (e *Engine) stallUntilRoom(d *downstream, buf []byte) {
	for !d.dead() {
		time.Sleep(5 * time.Millisecond)
		if d.enqueue(buf, e.cfg.BufferBudget) {
			if e.reporter != nil {
				e.reporter.flowing()
			}
			return
		}
	}
	e.dropDownstream(d, true)
}

// dropDownstream removes a downstream from the set. Disconnects are
// non-fatal for the tee.
func (e *Engine) dropDownstream(d *downstream, abort bool) {
	e.mu.Lock()
	_, present := e.downstreams[d.id]
	delete(e.downstreams, d.id)
	remaining := len(e.downstreams)
	e.mu.Unlock()

	if abort {
		d.abort()
	}
	if present {
		e.log.Info("downstream detached", "downstream", d.id, "remaining", remaining)
		// The slow peer is gone; flow is restored for everyone else.
		if abort && e.reporter != nil {
			e.reporter.flowing()
		}
	}
}

// closeAll finishes every downstream: queued payloads drain, write halves
// close, goroutines join.
func (e *Engine) closeAll() {
	e.mu.Lock()
	e.closed = true
	targets := make([]*downstream, 0, len(e.downstreams))
	for _, d := range e.downstreams {
		targets = append(targets, d)
	}
	e.mu.Unlock()

	for _, d := range targets {
		d.finish()
	}
	e.wg.Wait()
}

// flowReporter rate-limits FlowControl messages to at most one
// backpressure report per quiescent period.
type flowReporter struct {
	source wire.ToolID
	log    logger.Logger

	mu       sync.Mutex
	cli      *client.Client
	reported bool
}

func newFlowReporter(broker string, source wire.ToolID, log logger.Logger) *flowReporter {
	cli := client.New(client.WithBrokerAddress(broker), client.WithTimeout(2*time.Second))
	if err := cli.Dial(); err != nil {
		log.Warn("broker link unavailable, flow control disabled", "error", err.Error())
		cli = nil
	}
	return &flowReporter{source: source, log: log, cli: cli}
}

func (r *flowReporter) backpressure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cli == nil || r.reported {
		return
	}
	r.reported = true
	if err := r.cli.FlowControl(r.source, wire.StatusBackpressure); err != nil {
		r.log.Warn("flow control report failed", "error", err.Error())
	}
}

func (r *flowReporter) flowing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cli == nil || !r.reported {
		return
	}
	r.reported = false
	if err := r.cli.FlowControl(r.source, wire.StatusFlowing); err != nil {
		r.log.Warn("flow control report failed", "error", err.Error())
	}
}

func (r *flowReporter) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cli != nil {
		_ = r.cli.Close()
	}
}
