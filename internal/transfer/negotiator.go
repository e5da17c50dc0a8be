package transfer

import (
	"fmt"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"

	"nearbydrop/internal/delivery"
	"nearbydrop/internal/protocol"
)

// Outcome is what happened to one protocol message.
type Outcome int

const (
	Delivered Outcome = iota
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type Delivery struct {
	PeerID  string
	Outcome Outcome
}

type OfferCommand struct {
	SenderID     string
	File         protocol.FileMeta
	RecipientIDs []string
}

type OfferResult struct {
	OfferID    string
	Deliveries []Delivery
}

func (r OfferResult) Delivered() []string { return r.peers(Delivered) }
func (r OfferResult) Skipped() []string   { return r.peers(Skipped) }

func (r OfferResult) peers(o Outcome) []string {
	var out []string
	for _, d := range r.Deliveries {
		if d.Outcome == o {
			out = append(out, d.PeerID)
		}
	}
	return out
}

type DecisionCommand struct {
	OfferID     string
	RecipientID string
	SenderID    string
	File        protocol.FileMeta
	Accepted    bool
}

type DecisionResult struct {
	OfferID  string
	SenderID string
	Outcome  Outcome
}

// PeerDirectory is the read side of the presence registry.
type PeerDirectory interface {
	Get(id string) (protocol.Peer, bool)
	ListExcluding(id string) []protocol.Peer
}

// Deliverer is the part of the delivery router the negotiator needs.
type Deliverer interface {
	Resolve(id string) (delivery.Sink, bool)
	Send(id string, p protocol.Packet) error
}

type Options struct {
	// Strict rejects decisions that do not name an offer still in the ledger.
	Strict    bool
	OfferTTL  time.Duration
	MaxOffers int
	Clock     clock.Clock
	NewID     func() string
}

// Negotiator drives offers and decisions. It is called from the hub goroutine
// only.
type Negotiator struct {
	peers  PeerDirectory
	router Deliverer
	ledger *ledger
	strict bool
	clock  clock.Clock
	newID  func() string
}

func NewNegotiator(peers PeerDirectory, router Deliverer, opts Options) *Negotiator {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Negotiator{
		peers:  peers,
		router: router,
		ledger: newLedger(opts.OfferTTL, opts.MaxOffers),
		strict: opts.Strict,
		clock:  opts.Clock,
		newID:  opts.NewID,
	}
}

// SubmitOffer sends a file_offer to each recipient, or to every other joined
// peer when no recipient is named. Recipients that cannot be reached are
// skipped; only an unreachable sender fails the offer.
func (n *Negotiator) SubmitOffer(cmd OfferCommand) (OfferResult, error) {
	sender, ok := n.peers.Get(cmd.SenderID)
	if !ok {
		return OfferResult{}, fmt.Errorf("offer from %q: %w", cmd.SenderID, ErrUnknownSender)
	}
	if _, ok := n.router.Resolve(cmd.SenderID); !ok {
		return OfferResult{}, fmt.Errorf("offer from %q: %w", cmd.SenderID, ErrUnknownSender)
	}

	rec := &offerRecord{
		id:      n.newID(),
		sender:  sender,
		file:    cmd.File,
		status:  make(map[string]string),
		created: n.clock.Now(),
	}
	res := OfferResult{OfferID: rec.id}
	for _, id := range n.targets(cmd) {
		if id == sender.ID {
			res.Deliveries = append(res.Deliveries, Delivery{PeerID: id, Outcome: Skipped})
			continue
		}
		if _, ok := n.peers.Get(id); !ok {
			res.Deliveries = append(res.Deliveries, Delivery{PeerID: id, Outcome: Skipped})
			continue
		}
		snapshot := sender
		file := rec.file
		err := n.router.Send(id, protocol.Packet{
			Type:   protocol.TypeFileOffer,
			ID:     rec.id,
			Sender: &snapshot,
			File:   &file,
			Status: protocol.StatusOffered,
		})
		if err != nil {
			res.Deliveries = append(res.Deliveries, Delivery{PeerID: id, Outcome: Skipped})
			continue
		}
		rec.status[id] = protocol.StatusOffered
		res.Deliveries = append(res.Deliveries, Delivery{PeerID: id, Outcome: Delivered})
	}
	if len(rec.status) > 0 {
		n.ledger.put(rec)
	}
	return res, nil
}

func (n *Negotiator) targets(cmd OfferCommand) []string {
	if len(cmd.RecipientIDs) == 0 {
		others := n.peers.ListExcluding(cmd.SenderID)
		ids := make([]string, 0, len(others))
		for _, p := range others {
			ids = append(ids, p.ID)
		}
		return ids
	}
	seen := make(map[string]struct{}, len(cmd.RecipientIDs))
	ids := make([]string, 0, len(cmd.RecipientIDs))
	for _, id := range cmd.RecipientIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// RecordDecision notifies the sender that a recipient accepted or rejected a
// file. Nothing is sent to the recipient or anyone else.
func (n *Negotiator) RecordDecision(cmd DecisionCommand) (DecisionResult, error) {
	senderID := cmd.SenderID
	file := cmd.File

	var rec *offerRecord
	if cmd.OfferID != "" {
		rec = n.ledger.get(cmd.OfferID)
	}
	switch {
	case rec != nil:
		if senderID != "" && senderID != rec.sender.ID {
			return DecisionResult{OfferID: cmd.OfferID, Outcome: Failed}, fmt.Errorf("offer %s: %w", cmd.OfferID, ErrOfferMismatch)
		}
		status, ok := rec.status[cmd.RecipientID]
		if !ok {
			return DecisionResult{OfferID: cmd.OfferID, Outcome: Failed}, fmt.Errorf("offer %s recipient %q: %w", cmd.OfferID, cmd.RecipientID, ErrOfferMismatch)
		}
		if status != protocol.StatusOffered {
			return DecisionResult{OfferID: cmd.OfferID, Outcome: Failed}, fmt.Errorf("offer %s recipient %q: %w", cmd.OfferID, cmd.RecipientID, ErrAlreadyDecided)
		}
		senderID = rec.sender.ID
		file = rec.file
	case n.strict:
		return DecisionResult{OfferID: cmd.OfferID, Outcome: Failed}, fmt.Errorf("offer %q: %w", cmd.OfferID, ErrUnknownOffer)
	}

	res := DecisionResult{OfferID: cmd.OfferID, SenderID: senderID, Outcome: Failed}
	if _, ok := n.router.Resolve(senderID); !ok {
		return res, fmt.Errorf("decision for %q: %w", senderID, ErrSenderGone)
	}

	recipient, ok := n.peers.Get(cmd.RecipientID)
	if !ok {
		recipient = protocol.Peer{ID: cmd.RecipientID, Username: "unknown"}
	}
	typ, status, verb := protocol.TypeFileRejected, protocol.StatusRejected, "rejected"
	if cmd.Accepted {
		typ, status, verb = protocol.TypeFileAccepted, protocol.StatusAccepted, "accepted"
	}
	err := n.router.Send(senderID, protocol.Packet{
		Type:      typ,
		ID:        cmd.OfferID,
		Recipient: &recipient,
		File:      &protocol.FileMeta{Name: file.Name},
		Status:    status,
		Accepted:  cmd.Accepted,
		Body:      fmt.Sprintf("%s %s %s", recipient.Username, verb, file.Name),
	})
	if err != nil {
		return res, fmt.Errorf("decision for %q: %w: %w", senderID, ErrSenderGone, err)
	}

	if rec != nil {
		rec.status[cmd.RecipientID] = status
	}
	res.Outcome = Delivered
	return res, nil
}

// Sweep drops offers older than the ledger TTL and returns how many went.
func (n *Negotiator) Sweep() int {
	return n.ledger.sweep(n.clock.Now())
}

// Forget drops every pending offer sent by peerID.
func (n *Negotiator) Forget(peerID string) int {
	return n.ledger.forgetSender(peerID)
}

// Pending reports how many offers still wait on at least one recipient.
func (n *Negotiator) Pending() int {
	return n.ledger.pending()
}
