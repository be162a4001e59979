package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/gbe/internal/address"
	"github.com/standardbeagle/gbe/internal/wire"
)

// fakeUpstream binds a data socket and hands the test the first accepted
// connection to write frames on.
type fakeUpstream struct {
	addr     string
	listener net.Listener
	conns    chan net.Conn
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	addr := "unix://" + filepath.Join(t.TempDir(), "up.sock")
	l, err := address.Listen(addr)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	u := &fakeUpstream{addr: addr, listener: l, conns: make(chan net.Conn, 1)}
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		u.conns <- conn
	}()
	return u
}

func (u *fakeUpstream) conn(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-u.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("proxy never connected to upstream")
		return nil
	}
}

func startEngine(t *testing.T, cfg Config) (*Engine, chan error) {
	t.Helper()
	eng := New(cfg, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(context.Background()) }()

	path, err := address.SplitUnix(cfg.Listen)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", path)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond, "proxy listener never came up")

	return eng, errCh
}

func dialDownstream(t *testing.T, listen string) net.Conn {
	t.Helper()
	conn, err := address.Dial(listen)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestFramedTeeFanOut(t *testing.T) {
	up := newFakeUpstream(t)
	listen := "unix://" + filepath.Join(t.TempDir(), "tee.sock")

	_, errCh := startEngine(t, Config{Upstream: up.addr, Listen: listen})
	src := up.conn(t)

	d1 := dialDownstream(t, listen)
	d2 := dialDownstream(t, listen)
	time.Sleep(50 * time.Millisecond) // both attached before the first frame

	const n = 10
	for seq := uint64(0); seq < n; seq++ {
		require.NoError(t, wire.WriteFrame(src, &wire.DataFrame{
			Seq:     seq,
			Payload: []byte(fmt.Sprintf("%d\n", seq+1)),
		}))
	}
	src.Close()

	for _, d := range []net.Conn{d1, d2} {
		for seq := uint64(0); seq < n; seq++ {
			f, err := wire.ReadFrame(d)
			require.NoError(t, err)
			assert.Equal(t, seq, f.Seq, "upstream sequence must be preserved")
			assert.Equal(t, fmt.Sprintf("%d\n", seq+1), string(f.Payload))
		}
		_, err := wire.ReadFrame(d)
		assert.Equal(t, io.EOF, err, "downstream must observe EOF after drain")
	}

	select {
	case err := <-errCh:
		require.NoError(t, err, "clean upstream EOF must exit zero")
	case <-time.After(2 * time.Second):
		t.Fatal("proxy did not exit after upstream EOF")
	}
}

func TestRawTee(t *testing.T) {
	up := newFakeUpstream(t)
	listen := "unix://" + filepath.Join(t.TempDir(), "raw.sock")

	_, errCh := startEngine(t, Config{Upstream: up.addr, Listen: listen, Raw: true})
	src := up.conn(t)

	d := dialDownstream(t, listen)
	time.Sleep(50 * time.Millisecond)

	payload := []byte("no headers here, just bytes")
	_, err := src.Write(payload)
	require.NoError(t, err)
	src.Close()

	got, err := io.ReadAll(d)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, <-errCh)
}

func TestLateDownstreamSeesOnlyNewFrames(t *testing.T) {
	up := newFakeUpstream(t)
	listen := "unix://" + filepath.Join(t.TempDir(), "late.sock")

	_, errCh := startEngine(t, Config{Upstream: up.addr, Listen: listen})
	src := up.conn(t)

	d1 := dialDownstream(t, listen)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, wire.WriteFrame(src, &wire.DataFrame{Seq: 0, Payload: []byte("first\n")}))

	// Once d1 observed seq 0 the broadcast has happened; a subscriber
	// attaching now must not see it.
	f, err := wire.ReadFrame(d1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), f.Seq)

	d2 := dialDownstream(t, listen)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, wire.WriteFrame(src, &wire.DataFrame{Seq: 1, Payload: []byte("second\n")}))
	src.Close()

	f2, err := wire.ReadFrame(d2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f2.Seq, "late subscriber starts at the current frame")

	_, err = wire.ReadFrame(d2)
	assert.Equal(t, io.EOF, err)

	require.NoError(t, <-errCh)
}

// fakeBroker collects control messages a proxy sends on its broker link.
type fakeBroker struct {
	addr string
	msgs chan wire.Message
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	addr := "unix://" + filepath.Join(t.TempDir(), "broker.sock")
	l, err := address.Listen(addr)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	fb := &fakeBroker{addr: addr, msgs: make(chan wire.Message, 16)}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				dec := wire.NewDecoder(conn)
				for {
					m, err := dec.Decode()
					if err != nil {
						return
					}
					fb.msgs <- m
				}
			}()
		}
	}()
	return fb
}

func (fb *fakeBroker) await(t *testing.T, want string) wire.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-fb.msgs:
			if m.Tag() == want {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s message arrived", want)
			return nil
		}
	}
}

func TestSlowDownstreamDroppedFastOneUnaffected(t *testing.T) {
	up := newFakeUpstream(t)
	fb := newFakeBroker(t)
	listen := "unix://" + filepath.Join(t.TempDir(), "slow.sock")

	_, errCh := startEngine(t, Config{
		Upstream:       up.addr,
		Listen:         listen,
		Broker:         fb.addr,
		SourceID:       "99-001",
		BufferBudget:   64 << 10,
		StallThreshold: 50 * time.Millisecond,
	})
	src := up.conn(t)

	fast := dialDownstream(t, listen)
	slow := dialDownstream(t, listen) // attached, never reads
	_ = slow
	time.Sleep(50 * time.Millisecond)

	// Reader for the fast side keeps pace and records everything.
	var mu sync.Mutex
	var got []uint64
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			f, err := wire.ReadFrame(fast)
			if err != nil {
				return
			}
			mu.Lock()
			got = append(got, f.Seq)
			mu.Unlock()
		}
	}()

	// Push enough bytes to blow through the kernel socket buffer plus the
	// per-downstream budget of the non-reading peer.
	payload := make([]byte, 8<<10)
	const n = 100
	for seq := uint64(0); seq < n; seq++ {
		require.NoError(t, wire.WriteFrame(src, &wire.DataFrame{Seq: seq, Payload: payload}))
	}

	fc := fb.await(t, "FlowControl").(wire.FlowControl)
	assert.Equal(t, "99-001", fc.Source)
	assert.Equal(t, wire.StatusBackpressure, fc.Status)

	src.Close()
	<-readerDone

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, n, "fast downstream must receive every frame")
	for i, seq := range got {
		assert.Equal(t, uint64(i), seq, "frames must stay in order without loss")
	}

	require.NoError(t, <-errCh)
}

func TestUpstreamUnavailableAfterRetries(t *testing.T) {
	listen := "unix://" + filepath.Join(t.TempDir(), "nolisten.sock")
	eng := New(Config{
		Upstream:          "unix://" + filepath.Join(t.TempDir(), "missing.sock"),
		Listen:            listen,
		ConnectRetries:    3,
		ConnectBackoff:    time.Millisecond,
		ConnectBackoffCap: 4 * time.Millisecond,
	}, nil)

	start := time.Now()
	err := eng.Run(context.Background())
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Less(t, time.Since(start), time.Second, "retry budget must be bounded")
}

func TestUpstreamUnavailableReportedToBroker(t *testing.T) {
	fb := newFakeBroker(t)
	eng := New(Config{
		Upstream:       "unix://" + filepath.Join(t.TempDir(), "missing.sock"),
		Listen:         "unix://" + filepath.Join(t.TempDir(), "l.sock"),
		Broker:         fb.addr,
		SourceID:       "99-002",
		ConnectRetries: 1,
		ConnectBackoff: time.Millisecond,
	}, nil)

	err := eng.Run(context.Background())
	require.ErrorIs(t, err, ErrUpstreamUnavailable)

	em := fb.await(t, "Error").(wire.ErrorMsg)
	assert.Equal(t, wire.CodeUpstreamUnavailable, em.Code)
}

func TestDownstreamDisconnectIsNonFatal(t *testing.T) {
	up := newFakeUpstream(t)
	listen := "unix://" + filepath.Join(t.TempDir(), "dd.sock")

	_, errCh := startEngine(t, Config{Upstream: up.addr, Listen: listen})
	src := up.conn(t)

	d1 := dialDownstream(t, listen)
	d2 := dialDownstream(t, listen)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, wire.WriteFrame(src, &wire.DataFrame{Seq: 0, Payload: []byte("x")}))

	f, err := wire.ReadFrame(d2)
	require.NoError(t, err)
	require.Equal(t, uint64(0), f.Seq)
	d1.Close() // one subscriber walks away

	require.NoError(t, wire.WriteFrame(src, &wire.DataFrame{Seq: 1, Payload: []byte("y")}))

	f, err = wire.ReadFrame(d2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Seq)

	src.Close()
	_, err = wire.ReadFrame(d2)
	assert.Equal(t, io.EOF, err)

	require.NoError(t, <-errCh)
}
