// Package bucket implements the runtime bucket (socket pool): a group of
// worker sockets on contiguous ports, and the manager that aggregates
// every bucket for the router.
package bucket

import (
	"context"
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"

	specpkg "github.com/mbridges/sockgate/pkg/bucket"
	"github.com/mbridges/sockgate/internal/workersocket"
)

// Bucket owns SocketCount worker sockets and is the unit of admission
// accounting: reserve() is attempted against its member sockets in
// order, first-fit.
type Bucket struct {
	ID      string
	sockets []*workersocket.Socket
	onFree  func()
}

// New builds a bucket's worker sockets from its static spec. Sockets are
// not started; call StartAll.
func New(spec specpkg.Spec, idleTimeout time.Duration, handler workersocket.Handler) *Bucket {
	b := &Bucket{ID: spec.ID}
	sockets := make([]*workersocket.Socket, spec.SocketCount)
	for i := 0; i < spec.SocketCount; i++ {
		sockets[i] = workersocket.New(spec.PortAt(i), spec.BindAddr, spec.SlotsPerSocket, idleTimeout, handler)
		sockets[i].OnSlotFreed(b.notifyFree)
	}
	b.sockets = sockets
	return b
}

// SetOnFree registers a callback invoked whenever any member socket frees a
// slot (client disconnect, idle eviction, or an unclaimed reservation being
// released). The Manager uses this to clear its bucket-status bitmap bit as
// soon as a full bucket gains room again, instead of waiting for the next
// reservation attempt to notice.
func (b *Bucket) SetOnFree(fn func()) {
	b.onFree = fn
}

func (b *Bucket) notifyFree() {
	if b.onFree != nil {
		b.onFree()
	}
}

// Reserve iterates member sockets in order; the first that is not full
// and accepts the reservation determines the returned port.
func (b *Bucket) Reserve(key uint32) (int, bool) {
	for _, sock := range b.sockets {
		if sock.IsFull() {
			continue
		}
		if idx, ok := sock.Reserve(key); ok {
			_ = idx
			return sock.Port, true
		}
	}
	return 0, false
}

// Release undoes a reservation on the socket bound to the given port,
// used only when a reservation is made but never claimed (see the
// router's session-insert race handling).
func (b *Bucket) Release(port int, key uint32) bool {
	for _, sock := range b.sockets {
		if sock.Port == port {
			return sock.Release(key)
		}
	}
	return false
}

// IsFull reports the bucket's aggregate fullness bit: true iff every
// slot in every member socket is at least reserved. This is distinct
// from any one socket's IsFull (which only counts admitted clients) —
// the bucket's bit tracks whether reserve() could possibly still
// succeed anywhere in the bucket.
func (b *Bucket) IsFull() bool {
	for _, sock := range b.sockets {
		if sock.HasFreeSlot() {
			return false
		}
	}
	return true
}

// StartAll starts every member worker socket. If any fails to bind, the
// already-started sockets are shut down and the error is returned —
// startup of a bucket is all-or-nothing.
func (b *Bucket) StartAll(ctx context.Context) error {
	for i, sock := range b.sockets {
		if err := sock.Start(ctx); err != nil {
			for j := 0; j < i; j++ {
				b.sockets[j].Shutdown()
			}
			return fmt.Errorf("bucket %s: %w", b.ID, err)
		}
	}
	return nil
}

// ShutdownAll stops every member worker socket and waits for their loops
// to exit.
func (b *Bucket) ShutdownAll() {
	for _, sock := range b.sockets {
		sock.Shutdown()
	}
}

// Stats summarizes the bucket's current occupancy, for metrics/health.
type Stats struct {
	ID                 string
	SocketCount        int
	CurrentConnections int
	Capacity           int
	Full               bool
}

func (b *Bucket) Stats() Stats {
	capacity := 0
	conns := 0
	for _, sock := range b.sockets {
		capacity += sock.Capacity()
		conns += sock.CurrentConnections()
	}
	return Stats{
		ID:                 b.ID,
		SocketCount:        len(b.sockets),
		CurrentConnections: conns,
		Capacity:           capacity,
		Full:               b.IsFull(),
	}
}

// Manager aggregates every configured bucket and maintains the
// bucket_status fullness bitmap the router consults before attempting a
// reservation.
type Manager struct {
	buckets []*Bucket
	status  *bitset.BitSet
}

// NewManager wraps an ordered list of buckets and wires each bucket's
// free-slot notifications to clear that bucket's fullness bit, so the
// bitmap reflects freed capacity without waiting on the next Reserve call.
func NewManager(buckets []*Bucket) *Manager {
	m := &Manager{
		buckets: buckets,
		status:  bitset.New(uint(len(buckets))),
	}
	for i, b := range buckets {
		idx := uint(i)
		b.SetOnFree(func() { m.status.Clear(idx) })
	}
	return m
}

// Reserve scans buckets in order, skipping any the bitmap marks full,
// and returns the port assigned by the first bucket that accepts the
// reservation.
func (m *Manager) Reserve(key uint32) (int, bool) {
	for i, b := range m.buckets {
		if m.status.Test(uint(i)) {
			continue
		}
		port, ok := b.Reserve(key)
		if !ok {
			continue
		}
		if b.IsFull() {
			m.status.Set(uint(i))
		}
		return port, true
	}
	return 0, false
}

// Release undoes a reservation made against the bucket owning port, and
// clears that bucket's fullness bit since it now has room again.
func (m *Manager) Release(port int, key uint32) {
	for i, b := range m.buckets {
		if b.Release(port, key) {
			m.status.Clear(uint(i))
			return
		}
	}
}

// StartAll starts every bucket's worker sockets.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, b := range m.buckets {
		if err := b.StartAll(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ShutdownAll shuts down every bucket's worker sockets.
func (m *Manager) ShutdownAll() {
	for _, b := range m.buckets {
		b.ShutdownAll()
	}
}

// Stats returns per-bucket occupancy snapshots, for metrics/health.
func (m *Manager) Stats() []Stats {
	stats := make([]Stats, len(m.buckets))
	for i, b := range m.buckets {
		stats[i] = b.Stats()
	}
	return stats
}
