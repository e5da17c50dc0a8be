package presence

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"nearbydrop/internal/protocol"
)

var ErrDuplicatePeer = errors.New("peer already registered")

// Registry is the set of joined peers keyed by connection id. It is not safe
// for concurrent use; the hub owns it and calls it from one goroutine.
type Registry struct {
	pool  []string
	draw  func(n int) int
	order []string
	peers map[string]protocol.Peer
}

// NewRegistry builds a registry assigning icons from pool. A nil draw uses
// math/rand.
func NewRegistry(pool []string, draw func(n int) int) *Registry {
	if draw == nil {
		draw = rand.IntN
	}
	return &Registry{
		pool:  append([]string(nil), pool...),
		draw:  draw,
		peers: make(map[string]protocol.Peer),
	}
}

func (r *Registry) Add(id string) (protocol.Peer, error) {
	if _, exists := r.peers[id]; exists {
		return protocol.Peer{}, fmt.Errorf("add %q: %w", id, ErrDuplicatePeer)
	}
	if len(r.pool) == 0 {
		return protocol.Peer{}, ErrEmptyPool
	}
	username, icon, err := Assign(r.pool, r.List(), id, r.draw(len(r.pool)))
	if err != nil {
		return protocol.Peer{}, err
	}
	p := protocol.Peer{ID: id, Username: username, Icon: icon}
	r.peers[id] = p
	r.order = append(r.order, id)
	return p, nil
}

// Remove is idempotent: unknown ids report false.
func (r *Registry) Remove(id string) (protocol.Peer, bool) {
	p, ok := r.peers[id]
	if !ok {
		return protocol.Peer{}, false
	}
	delete(r.peers, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return p, true
}

func (r *Registry) Get(id string) (protocol.Peer, bool) {
	p, ok := r.peers[id]
	return p, ok
}

// ListExcluding returns every peer but id in join order.
func (r *Registry) ListExcluding(id string) []protocol.Peer {
	out := make([]protocol.Peer, 0, len(r.order))
	for _, pid := range r.order {
		if pid == id {
			continue
		}
		out = append(out, r.peers[pid])
	}
	return out
}

func (r *Registry) List() []protocol.Peer {
	return r.ListExcluding("")
}

func (r *Registry) Len() int {
	return len(r.peers)
}
