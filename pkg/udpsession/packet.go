// Package udpsession implements the per-association UDP relay: outbound
// fragmentation, inbound reassembly, GRO segment splitting, and packet-id
// allocation for one TUIC UDP association.
package udpsession

import "github.com/tuicmesh/tuicd/pkg/wire"

// Packet is the unit exchanged between a session and its local UDP socket:
// a fully reassembled (or never-fragmented) datagram bound for, or
// received from, target.
type Packet struct {
	// Source is set on the inbound leg when the remote peer reported one;
	// nil on the outbound leg and when the remote side omitted it.
	Source  *wire.Address
	Target  wire.Address
	Payload []byte
}

// FragmentKey identifies one in-progress reassembly.
type FragmentKey struct {
	AssocID uint16
	PktID   uint16
}
