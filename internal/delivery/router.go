package delivery

import (
	"errors"
	"fmt"

	"nearbydrop/internal/protocol"
)

var ErrDeliveryFailed = errors.New("delivery failed")

// DeliveryFailedError reports a peer whose connection could not take a packet.
type DeliveryFailedError struct {
	PeerID string
}

func (e *DeliveryFailedError) Error() string {
	return fmt.Sprintf("delivery to %q failed", e.PeerID)
}

func (e *DeliveryFailedError) Is(target error) bool {
	return target == ErrDeliveryFailed
}

// Sink is the transport side of a live connection. Deliver must not block; it
// reports false when the packet could not be queued.
type Sink interface {
	Deliver(p protocol.Packet) bool
}

// Router maps connection ids to live sinks. Like the registry it is owned by
// the hub goroutine and has no locking of its own.
type Router struct {
	sinks map[string]Sink
}

func NewRouter() *Router {
	return &Router{sinks: make(map[string]Sink)}
}

func (r *Router) Attach(id string, s Sink) {
	r.sinks[id] = s
}

// Detach removes id only while it still points at s, so a late disconnect of a
// replaced sink cannot drop the newer one. A nil s always detaches.
func (r *Router) Detach(id string, s Sink) {
	existing, ok := r.sinks[id]
	if !ok {
		return
	}
	if s != nil && existing != s {
		return
	}
	delete(r.sinks, id)
}

func (r *Router) Resolve(id string) (Sink, bool) {
	s, ok := r.sinks[id]
	return s, ok
}

func (r *Router) Send(id string, p protocol.Packet) error {
	s, ok := r.sinks[id]
	if !ok || !s.Deliver(p) {
		return &DeliveryFailedError{PeerID: id}
	}
	return nil
}

func (r *Router) Len() int {
	return len(r.sinks)
}
