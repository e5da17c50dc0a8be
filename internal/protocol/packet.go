package protocol

import "encoding/json"

// Packet types sent by clients.
const (
	TypeJoin     = "join"
	TypeOffer    = "offer"
	TypeDecision = "decision"
)

// Packet types sent by the relay.
const (
	TypeSelf         = "self"
	TypeRoster       = "roster"
	TypeWelcome      = "welcome"
	TypePeerJoined   = "peer_joined"
	TypePeerLeft     = "peer_left"
	TypeFileOffer    = "file_offer"
	TypeOfferResult  = "offer_result"
	TypeFileAccepted = "file_accepted"
	TypeFileRejected = "file_rejected"
	TypeError        = "error"
)

// Offer status values carried on file_offer packets.
const (
	StatusOffered  = "offered"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

type Peer struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Icon     string `json:"icon"`
}

// FileMeta describes an uploaded blob. The relay passes it through untouched.
type FileMeta struct {
	Name   string `json:"name"`
	Handle string `json:"handle"`
	Size   int64  `json:"size"`
}

type Packet struct {
	Type         string    `json:"type"`
	ID           string    `json:"id,omitempty"`
	Peer         *Peer     `json:"peer,omitempty"`
	Peers        []Peer    `json:"peers,omitempty"`
	Sender       *Peer     `json:"sender,omitempty"`
	Recipient    *Peer     `json:"recipient,omitempty"`
	SenderID     string    `json:"sender_id,omitempty"`
	RecipientIDs []string  `json:"recipient_ids,omitempty"`
	File         *FileMeta `json:"file,omitempty"`
	Status       string    `json:"status,omitempty"`
	Accepted     bool      `json:"accepted,omitempty"`
	Delivered    []string  `json:"delivered,omitempty"`
	Skipped      []string  `json:"skipped,omitempty"`
	Title        string    `json:"title,omitempty"`
	Body         string    `json:"body,omitempty"`
}

// MarshalJSON always writes peers on a roster packet, as [] when nobody else
// is connected.
func (p Packet) MarshalJSON() ([]byte, error) {
	type plain Packet
	if p.Type != TypeRoster {
		return json.Marshal(plain(p))
	}
	peers := p.Peers
	if peers == nil {
		peers = []Peer{}
	}
	return json.Marshal(struct {
		plain
		Peers []Peer `json:"peers"`
	}{plain(p), peers})
}

func ErrorPacket(body string) Packet {
	return Packet{Type: TypeError, Body: body}
}
