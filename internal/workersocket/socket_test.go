package workersocket

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

func startTestSocket(t *testing.T, capacity int) (*Socket, func()) {
	t.Helper()
	sock := New(0, "127.0.0.1", capacity, time.Minute, EchoHandler)

	ctx, cancel := context.WithCancel(context.Background())
	if err := sock.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return sock, func() {
		cancel()
		sock.Shutdown()
	}
}

func dial(t *testing.T, sock *Socket) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", sock.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendKey(t *testing.T, conn net.Conn, key uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], key)
	if _, err := conn.Write(buf[:]); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
}

func TestHandshakeAdmitsReservedKey(t *testing.T) {
	sock, stop := startTestSocket(t, 2)
	defer stop()

	idx, ok := sock.Reserve(42)
	if !ok {
		t.Fatal("expected reserve to succeed")
	}
	if idx < 0 {
		t.Fatal("expected a valid slot index")
	}

	conn := dial(t, sock)
	defer conn.Close()

	sendKey(t, conn, 42)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply != "Connection accepted\n" {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestHandshakeRejectsUnknownKey(t *testing.T) {
	sock, stop := startTestSocket(t, 2)
	defer stop()

	sock.Reserve(42)

	conn := dial(t, sock)
	defer conn.Close()

	sendKey(t, conn, 9999)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply != "Invalid session key\n" {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestZeroIsAValidSessionKey(t *testing.T) {
	sock, stop := startTestSocket(t, 1)
	defer stop()

	idx, ok := sock.Reserve(0)
	if !ok || idx != 0 {
		t.Fatalf("expected slot 0 reserved with key 0, got idx=%d ok=%v", idx, ok)
	}

	conn := dial(t, sock)
	defer conn.Close()

	sendKey(t, conn, 0)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply != "Connection accepted\n" {
		t.Fatalf("a zero session key must be admitted like any other key, got %q", reply)
	}
}

func TestIsFullTracksAdmittedConnectionsOnly(t *testing.T) {
	sock, stop := startTestSocket(t, 1)
	defer stop()

	sock.Reserve(7)
	if sock.IsFull() {
		t.Fatal("a reserved-but-undialed slot must not count toward IsFull")
	}
	if sock.HasFreeSlot() {
		t.Fatal("expected no free slot once the only slot is reserved")
	}

	conn := dial(t, sock)
	defer conn.Close()
	sendKey(t, conn, 7)
	bufio.NewReader(conn).ReadString('\n')

	time.Sleep(50 * time.Millisecond)
	if !sock.IsFull() {
		t.Fatal("expected IsFull once the sole slot is admitted")
	}
}

func TestReserveFirstFit(t *testing.T) {
	sock, stop := startTestSocket(t, 3)
	defer stop()

	idx0, _ := sock.Reserve(1)
	idx1, _ := sock.Reserve(2)
	if idx0 != 0 || idx1 != 1 {
		t.Fatalf("expected first-fit order 0,1; got %d,%d", idx0, idx1)
	}

	sock.Release(1)
	idx2, ok := sock.Reserve(3)
	if !ok || idx2 != 0 {
		t.Fatalf("expected the released slot 0 to be reused first-fit, got idx=%d ok=%v", idx2, ok)
	}
}
