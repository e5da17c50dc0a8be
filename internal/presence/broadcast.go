package presence

import "nearbydrop/internal/protocol"

const (
	welcomeTitle = "Nearby Drop"
	welcomeBody  = "Welcome to Nearby Drop.\n1. Pick nearby users to share a file with them\n2. Send with no user picked to share with everyone nearby"
)

// Notice is one outbound packet addressed to a connection id.
type Notice struct {
	To     string
	Packet protocol.Packet
}

// Joined lists the notices for a peer that was just added to r. The joiner's
// own packets come first.
func Joined(r *Registry, p protocol.Peer) []Notice {
	others := r.ListExcluding(p.ID)
	self := p
	notices := make([]Notice, 0, len(others)+3)
	notices = append(notices,
		Notice{To: p.ID, Packet: protocol.Packet{Type: protocol.TypeSelf, Peer: &self}},
		Notice{To: p.ID, Packet: protocol.Packet{Type: protocol.TypeRoster, Peers: others}},
		Notice{To: p.ID, Packet: protocol.Packet{Type: protocol.TypeWelcome, Title: welcomeTitle, Body: welcomeBody}},
	)
	for _, o := range others {
		joined := p
		notices = append(notices, Notice{To: o.ID, Packet: protocol.Packet{Type: protocol.TypePeerJoined, Peer: &joined}})
	}
	return notices
}

// Left lists the peer_left notices for a peer already removed from r.
func Left(r *Registry, p protocol.Peer) []Notice {
	remaining := r.ListExcluding(p.ID)
	notices := make([]Notice, 0, len(remaining))
	for _, o := range remaining {
		left := p
		notices = append(notices, Notice{To: o.ID, Packet: protocol.Packet{Type: protocol.TypePeerLeft, Peer: &left}})
	}
	return notices
}
