// Package bucket defines the static port layout of a bucket of worker
// sockets, as loaded from buckets.yaml.
package bucket

import "fmt"

// Spec describes one bucket's port range and per-socket capacity.
// A bucket owns SocketCount worker sockets on the contiguous ports
// [StartPort, StartPort+SocketCount), each with SlotsPerSocket
// pre-reservable slots.
type Spec struct {
	ID             string `yaml:"id"`
	StartPort      int    `yaml:"start_port"`
	SocketCount    int    `yaml:"socket_count"`
	SlotsPerSocket int    `yaml:"slots_per_socket"`
	BindAddr       string `yaml:"bind_addr"`
}

// EndPort returns the first port past this bucket's range.
func (s *Spec) EndPort() int {
	return s.StartPort + s.SocketCount
}

// Capacity returns the total number of client slots this bucket can admit.
func (s *Spec) Capacity() int {
	return s.SocketCount * s.SlotsPerSocket
}

// PortAt returns the port assigned to the socket at the given index
// within this bucket.
func (s *Spec) PortAt(socketIndex int) int {
	return s.StartPort + socketIndex
}

// Overlaps reports whether this bucket's port range intersects other's.
func (s *Spec) Overlaps(other *Spec) bool {
	return s.StartPort < other.EndPort() && other.StartPort < s.EndPort()
}

func (s *Spec) String() string {
	return fmt.Sprintf("%s[%d-%d)", s.ID, s.StartPort, s.EndPort())
}
