package delivery

import "nearbydrop/internal/protocol"

// Recorder is a Sink that keeps every packet it accepts. Closed recorders
// refuse delivery, which stands in for a connection that went away.
type Recorder struct {
	Packets []protocol.Packet
	Closed  bool
}

func (r *Recorder) Deliver(p protocol.Packet) bool {
	if r.Closed {
		return false
	}
	r.Packets = append(r.Packets, p)
	return true
}

// OfType returns the recorded packets with the given type.
func (r *Recorder) OfType(typ string) []protocol.Packet {
	var out []protocol.Packet
	for _, p := range r.Packets {
		if p.Type == typ {
			out = append(out, p)
		}
	}
	return out
}
