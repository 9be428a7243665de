// Package workersocket implements a single back-end worker listener: a
// dedicated TCP port that admits up to K pre-reserved clients identified
// by a 32-bit session key.
//
// The source this was distilled from runs one dedicated epoll instance
// per worker socket and drains accept/read events out of it by hand. Go's
// runtime netpoller already multiplexes every socket's readability, so
// the idiomatic equivalent is one goroutine per listener running a
// blocking Accept loop, with one further goroutine per admitted
// connection — not a hand-rolled event loop. The slot-reservation
// contract, the handshake, and the admission rules are unchanged.
package workersocket

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mbridges/sockgate/internal/metrics"
)

// SlotState replaces the source's raw fd=-1/key=0 sentinels with an
// explicit sum type, so a session key of exactly zero is never confused
// with an unreserved slot.
type SlotState int

const (
	SlotFree SlotState = iota
	SlotReserved
	SlotAdmitted
)

// Slot is one of a worker socket's K capacity units.
type Slot struct {
	State      SlotState
	Key        uint32
	Conn       net.Conn
	LastActive int64
}

// Status is the worker socket's lifecycle state.
type Status int

const (
	StatusUnused Status = iota
	StatusActive
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusUnused:
		return "unused"
	case StatusActive:
		return "active"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Handler processes an admitted client's traffic after the handshake
// succeeds. The default is an echo loop; a supervisor MAY install a
// different handler before Start.
type Handler func(ctx context.Context, conn net.Conn) error

const (
	handshakeSize  = 4
	maxMessageSize = 4096
	acceptDrainMax = 64
)

// Socket is one back-end TCP listener with K pre-reservable slots.
type Socket struct {
	Port     int
	BindAddr string

	idleTimeout time.Duration
	handler     Handler

	mu       sync.Mutex
	slots    []Slot
	listener net.Listener
	status   Status

	currentConnections atomic.Int32
	errorStreak        atomic.Int32

	onSlotFreed func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// OnSlotFreed registers a callback invoked whenever a slot transitions back
// to SlotFree, whether by an admitted client disconnecting/idling out or by
// a reservation being released unclaimed. The owning Bucket uses this to
// keep the router's bucket-status bitmap from going stale once a bucket has
// been marked full.
func (s *Socket) OnSlotFreed(fn func()) {
	s.mu.Lock()
	s.onSlotFreed = fn
	s.mu.Unlock()
}

// New builds a worker socket with `capacity` slots. handler defaults to
// an echo loop when nil.
func New(port int, bindAddr string, capacity int, idleTimeout time.Duration, handler Handler) *Socket {
	if handler == nil {
		handler = EchoHandler
	}
	return &Socket{
		Port:        port,
		BindAddr:    bindAddr,
		idleTimeout: idleTimeout,
		handler:     handler,
		slots:       make([]Slot, capacity),
		done:        make(chan struct{}),
	}
}

// EchoHandler is the placeholder application protocol the spec leaves
// unmandated: it reads up to maxMessageSize and writes the same bytes
// back until the client disconnects.
func EchoHandler(ctx context.Context, conn net.Conn) error {
	buf := make([]byte, maxMessageSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}

// Capacity returns the number of slots this socket was built with.
func (s *Socket) Capacity() int {
	return len(s.slots)
}

// CurrentConnections returns the number of admitted clients.
func (s *Socket) CurrentConnections() int {
	return int(s.currentConnections.Load())
}

// IsFull reports whether every slot is currently holding an admitted
// client. Reserved-but-not-yet-dialed-in slots do not count, so IsFull
// can be false while Reserve still refuses because every slot is
// reserved; HasFreeSlot reports that case.
func (s *Socket) IsFull() bool {
	return s.CurrentConnections() >= s.Capacity()
}

// HasFreeSlot reports whether at least one slot is SlotFree. Unlike
// IsFull, this also accounts for slots reserved but not yet admitted —
// it is the primitive a Bucket uses to compute its own aggregate
// fullness bit.
func (s *Socket) HasFreeSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.slots {
		if s.slots[i].State == SlotFree {
			return true
		}
	}
	return false
}

// Reserve performs a first-fit scan for a free slot and, on success,
// marks it Reserved with the given key. Concurrency-safe.
func (s *Socket) Reserve(key uint32) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.slots {
		if s.slots[i].State == SlotFree {
			s.slots[i] = Slot{State: SlotReserved, Key: key}
			return i, true
		}
	}
	return 0, false
}

// Release frees a slot that was reserved but will never be claimed by a
// client dial-in (e.g. the router lost a session-insert race after
// reserving). It is a no-op if no matching reserved slot is found.
func (s *Socket) Release(key uint32) bool {
	s.mu.Lock()
	found := false
	for i := range s.slots {
		if s.slots[i].State == SlotReserved && s.slots[i].Key == key {
			s.slots[i] = Slot{}
			found = true
			break
		}
	}
	cb := s.onSlotFreed
	s.mu.Unlock()
	if found && cb != nil {
		cb()
	}
	return found
}

// Start binds the listener with SO_REUSEADDR, begins accepting
// connections, and starts the idle-eviction sweep.
func (s *Socket) Start(ctx context.Context) error {
	listener, err := listenReuseAddr(s.BindAddr, s.Port)
	if err != nil {
		s.setStatus(StatusError)
		return fmt.Errorf("worker socket %d: listen: %w", s.Port, err)
	}
	s.listener = listener
	// A configured Port of 0 asks the OS for an ephemeral port; resolve it
	// back so callers (and tests) can address the socket by its real port.
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.Port = tcpAddr.Port
	}
	s.setStatus(StatusActive)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.acceptLoop(runCtx)
	go s.evictLoop(runCtx)

	return nil
}

func listenReuseAddr(addr string, port int) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscallRawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	return lc.Listen(context.Background(), "tcp", fmt.Sprintf("%s:%d", addr, port))
}

// syscallRawConn is the subset of syscall.RawConn that ListenConfig.Control
// actually requires, named here to keep the Control closure above readable.
type syscallRawConn interface {
	Control(f func(fd uintptr)) error
}

func (s *Socket) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Status returns the worker socket's current lifecycle state.
func (s *Socket) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Socket) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.done)

	for {
		if s.Status() != StatusActive {
			return
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if isClosedConnErr(err) {
				return
			}
			if s.errorStreak.Add(1) >= 3 {
				log.Printf("[workersocket:%d] three consecutive accept errors, entering Error state", s.Port)
				s.setStatus(StatusError)
				return
			}
			log.Printf("[workersocket:%d] accept error: %v", s.Port, err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.errorStreak.Store(0)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleNewConn(ctx, conn)
		}()
	}
}

// handleNewConn performs the handshake: read exactly 4 bytes, interpret
// them as a little-endian session key, and match against the reserved
// slots. On a match the slot is admitted and the handler takes over; on
// a miss the connection is rejected.
func (s *Socket) handleNewConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var buf [handshakeSize]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		metrics.HandshakeResultsTotal.WithLabelValues("read_error").Inc()
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	key := binary.LittleEndian.Uint32(buf[:])

	idx, ok := s.admit(key, conn)
	if !ok {
		metrics.HandshakeResultsTotal.WithLabelValues("invalid_key").Inc()
		conn.Write([]byte("Invalid session key\n"))
		conn.Close()
		return
	}

	metrics.HandshakeResultsTotal.WithLabelValues("admitted").Inc()
	conn.Write([]byte("Connection accepted\n"))
	s.currentConnections.Add(1)

	_ = s.handler(ctx, &touchingConn{Conn: conn, socket: s, idx: idx})
	s.release(idx)
	s.currentConnections.Add(-1)
	conn.Close()
}

// touchingConn refreshes its slot's LastActive timestamp on every
// successful read, so the idle-eviction sweep sees real traffic activity
// regardless of which Handler is installed.
type touchingConn struct {
	net.Conn
	socket *Socket
	idx    int
}

func (t *touchingConn) Read(b []byte) (int, error) {
	n, err := t.Conn.Read(b)
	if n > 0 {
		t.socket.touch(t.idx)
	}
	return n, err
}

func (s *Socket) admit(key uint32, conn net.Conn) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.slots {
		if s.slots[i].State == SlotReserved && s.slots[i].Key == key {
			s.slots[i].State = SlotAdmitted
			s.slots[i].Conn = conn
			s.slots[i].LastActive = time.Now().Unix()
			return i, true
		}
	}
	return 0, false
}

func (s *Socket) release(idx int) {
	s.mu.Lock()
	s.slots[idx] = Slot{}
	cb := s.onSlotFreed
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (s *Socket) touch(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx >= 0 && idx < len(s.slots) {
		s.slots[idx].LastActive = time.Now().Unix()
	}
}

// evictLoop periodically closes admitted clients that have gone idle
// past idleTimeout, matching the "idle admitted clients are eligible for
// eviction after CONNECTION_TIMEOUT seconds" rule.
func (s *Socket) evictLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Status() != StatusActive {
				return
			}
			s.evictStale()
		}
	}
}

func (s *Socket) evictStale() {
	cutoff := time.Now().Unix() - int64(s.idleTimeout.Seconds())

	s.mu.Lock()
	var stale []net.Conn
	for i := range s.slots {
		if s.slots[i].State == SlotAdmitted && s.slots[i].LastActive < cutoff {
			stale = append(stale, s.slots[i].Conn)
		}
	}
	s.mu.Unlock()

	for _, c := range stale {
		c.Close()
	}
}

// Shutdown signals the accept and eviction loops to exit, closes the
// listener, and closes every admitted client connection.
func (s *Socket) Shutdown() {
	s.setStatus(StatusUnused)
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for i := range s.slots {
		if s.slots[i].Conn != nil {
			s.slots[i].Conn.Close()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func isClosedConnErr(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		return opErr.Err.Error() == "use of closed network connection"
	}
	return false
}
