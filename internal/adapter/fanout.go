package adapter

import (
	"net"
	"sync"

	"github.com/standardbeagle/gbe/internal/logger"
)

// sinkQueueDepth bounds the per-subscriber write queue. A subscriber whose
// queue fills is dropped rather than allowed to stall the others.
const sinkQueueDepth = 256

// fanout multiplexes one output stream across the accepted data
// subscribers. Each sink writes independently from its own goroutine, so
// ordering per sink matches enqueue order and sinks never block each other.
type fanout struct {
	log logger.Logger

	mu     sync.Mutex
	sinks  map[int64]*sink
	nextID int64
	closed bool

	wg sync.WaitGroup

	onAttach func(total int)
}

type sink struct {
	id   int64
	conn net.Conn
	ch   chan []byte
}

func newFanout(log logger.Logger, onAttach func(total int)) *fanout {
	return &fanout{
		log:      log,
		sinks:    make(map[int64]*sink),
		onAttach: onAttach,
	}
}

// add registers an accepted subscriber connection. The subscriber observes
// only bytes broadcast after this call; there is no historical replay.
func (f *fanout) add(conn net.Conn) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = conn.Close()
		return
	}
	f.nextID++
	s := &sink{id: f.nextID, conn: conn, ch: make(chan []byte, sinkQueueDepth)}
	f.sinks[s.id] = s
	total := len(f.sinks)
	f.mu.Unlock()

	f.log.Info("subscriber attached", "sink", s.id, "total", total)

	f.wg.Add(1)
	go f.serve(s)

	if f.onAttach != nil {
		f.onAttach(total)
	}
}

// serve drains one sink's queue. When the queue closes, the write half is
// shut down so the subscriber reads a clean EOF after the final payload.
func (f *fanout) serve(s *sink) {
	defer f.wg.Done()

	for buf := range s.ch {
		if _, err := s.conn.Write(buf); err != nil {
			f.log.Warn("subscriber write failed, dropping", "sink", s.id, "error", err.Error())
			f.remove(s.id)
			// Keep draining the queue so broadcast never blocks on us.
			for range s.ch {
			}
			_ = s.conn.Close()
			return
		}
	}

	if uc, ok := s.conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}
	_ = s.conn.Close()
}

// broadcast enqueues buf for every live sink. All sinks observe broadcasts
// in identical order; a sink with a full queue is dropped.
func (f *fanout) broadcast(buf []byte) {
	f.mu.Lock()
	var stalled []*sink
	for _, s := range f.sinks {
		select {
		case s.ch <- buf:
		default:
			stalled = append(stalled, s)
		}
	}
	for _, s := range stalled {
		f.log.Warn("subscriber queue full, dropping", "sink", s.id)
		delete(f.sinks, s.id)
		close(s.ch)
	}
	f.mu.Unlock()
}

// remove forgets a sink and closes its queue so the serve goroutine can
// finish draining. Safe against a concurrent broadcast: both hold the lock.
func (f *fanout) remove(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sinks[id]; ok {
		delete(f.sinks, id)
		close(s.ch)
	}
}

// count returns the live sink count.
func (f *fanout) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sinks)
}

// closeAll stops accepting new sinks, lets queued payloads drain, closes
// every write half, and waits for the sink goroutines to finish.
func (f *fanout) closeAll() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		f.wg.Wait()
		return
	}
	f.closed = true
	for id, s := range f.sinks {
		delete(f.sinks, id)
		close(s.ch)
	}
	f.mu.Unlock()

	f.wg.Wait()
}
