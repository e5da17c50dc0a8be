package transfer

import (
	"time"

	"nearbydrop/internal/protocol"
)

const (
	DefaultOfferTTL  = 10 * time.Minute
	DefaultMaxOffers = 10000
)

type offerRecord struct {
	id      string
	sender  protocol.Peer
	file    protocol.FileMeta
	status  map[string]string
	created time.Time
}

func (o *offerRecord) settled() bool {
	for _, s := range o.status {
		if s == protocol.StatusOffered {
			return false
		}
	}
	return true
}

// ledger holds recent offers. Settled offers stay until they expire or their
// sender leaves, so a repeated decision still finds them.
type ledger struct {
	ttl    time.Duration
	max    int
	offers map[string]*offerRecord
}

func newLedger(ttl time.Duration, max int) *ledger {
	if ttl <= 0 {
		ttl = DefaultOfferTTL
	}
	if max <= 0 {
		max = DefaultMaxOffers
	}
	return &ledger{ttl: ttl, max: max, offers: make(map[string]*offerRecord)}
}

func (l *ledger) put(o *offerRecord) {
	for len(l.offers) >= l.max {
		l.evictOldest()
	}
	l.offers[o.id] = o
}

func (l *ledger) get(id string) *offerRecord {
	return l.offers[id]
}

func (l *ledger) pending() int {
	n := 0
	for _, o := range l.offers {
		if !o.settled() {
			n++
		}
	}
	return n
}

func (l *ledger) evictOldest() {
	var oldest *offerRecord
	for _, o := range l.offers {
		if oldest == nil || o.created.Before(oldest.created) {
			oldest = o
		}
	}
	if oldest != nil {
		delete(l.offers, oldest.id)
	}
}

func (l *ledger) sweep(now time.Time) int {
	n := 0
	for id, o := range l.offers {
		if now.Sub(o.created) >= l.ttl {
			delete(l.offers, id)
			n++
		}
	}
	return n
}

func (l *ledger) forgetSender(peerID string) int {
	n := 0
	for id, o := range l.offers {
		if o.sender.ID == peerID {
			delete(l.offers, id)
			n++
		}
	}
	return n
}
