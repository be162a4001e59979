// Package address allocates tool identities and the Unix socket addresses
// derived from them. Identities are scoped to one broker process lifetime.
package address

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Scheme is the only transport currently supported.
const Scheme = "unix://"

var (
	// ErrNotUnixAddress is returned for addresses outside the unix:// scheme.
	ErrNotUnixAddress = errors.New("address must be unix://<path>")
	// ErrAddressInUse is returned when a stale path cannot be reclaimed.
	ErrAddressInUse = errors.New("address in use")
)

// Allocator produces unique ToolIDs and socket addresses within one broker
// lifetime. The counter is atomic; no further locking is needed.
type Allocator struct {
	dir string
	pid int
	seq atomic.Uint64
}

// NewAllocator creates an allocator placing sockets under dir
// (the system temp directory if dir is empty).
func NewAllocator(dir string) *Allocator {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Allocator{dir: dir, pid: os.Getpid()}
}

// Dir returns the socket directory.
func (a *Allocator) Dir() string { return a.dir }

// NewID returns the next tool identity, "<broker-pid>-<seq>" with a
// zero-padded three-digit sequence starting at 001.
func (a *Allocator) NewID() string {
	return fmt.Sprintf("%d-%03d", a.pid, a.seq.Add(1))
}

// AddressFor returns the data-listen address derived from a tool identity.
func (a *Allocator) AddressFor(id string) string {
	return Scheme + filepath.Join(a.dir, "gbe-"+id+".sock")
}

// ProxyAddressFor returns a fresh proxy listen address for the upstream.
// The nonce makes concurrent respawns for the same upstream collision-free.
func (a *Allocator) ProxyAddressFor(upstreamID string) string {
	nonce := uuid.NewString()[:8]
	return Scheme + filepath.Join(a.dir, "gbe-proxy-"+upstreamID+"-"+nonce+".sock")
}

// SplitUnix extracts the filesystem path from a unix:// address.
func SplitUnix(addr string) (string, error) {
	path, ok := strings.CutPrefix(addr, Scheme)
	if !ok || path == "" {
		return "", fmt.Errorf("%w: %q", ErrNotUnixAddress, addr)
	}
	return path, nil
}

// Listen binds a stream listener at addr. A stale socket file at the path is
// unlinked first; a non-socket file at the path is never removed and the
// bind fails with ErrAddressInUse.
func Listen(addr string) (*net.UnixListener, error) {
	path, err := SplitUnix(addr)
	if err != nil {
		return nil, err
	}

	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode().Type() != os.ModeSocket {
			return nil, fmt.Errorf("%w: %s exists and is not a socket", ErrAddressInUse, path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("%w: unlink stale socket %s: %v", ErrAddressInUse, path, err)
		}
	}

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("%w: bind %s: %v", ErrAddressInUse, path, err)
	}
	return l, nil
}

// Dial connects to a unix:// address.
func Dial(addr string) (*net.UnixConn, error) {
	path, err := SplitUnix(addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// Unlink removes the socket file behind addr, best-effort.
func Unlink(addr string) {
	if path, err := SplitUnix(addr); err == nil {
		_ = os.Remove(path)
	}
}
