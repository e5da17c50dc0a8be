package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"nearbydrop/internal/delivery"
	"nearbydrop/internal/presence"
	"nearbydrop/internal/protocol"
	"nearbydrop/internal/transfer"
)

const defaultSweepInterval = time.Minute

var (
	ErrStopped      = errors.New("hub stopped")
	ErrNotConnected = errors.New("connection not attached")
)

type Config struct {
	Icons         []string
	Strict        bool
	OfferTTL      time.Duration
	MaxOffers     int
	SweepInterval time.Duration
}

type Option func(*Hub)

func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) { h.log = l }
}

func WithScope(s tally.Scope) Option {
	return func(h *Hub) { h.scope = s }
}

func WithClock(c clock.Clock) Option {
	return func(h *Hub) { h.clock = c }
}

// WithDraw replaces the random icon draw, mostly for tests.
func WithDraw(draw func(n int) int) Option {
	return func(h *Hub) { h.draw = draw }
}

type op struct {
	fn   func()
	done chan struct{}
}

// Hub is the single thread of control over presence and transfer state.
// Every registry, router and negotiator call runs inside Run, one operation
// at a time, so none of them need locks.
type Hub struct {
	log        *zap.Logger
	scope      tally.Scope
	clock      clock.Clock
	draw       func(n int) int
	sweepEvery time.Duration

	ops     chan op
	stopped chan struct{}

	registry *presence.Registry
	router   *delivery.Router
	neg      *transfer.Negotiator
}

func New(cfg Config, opts ...Option) *Hub {
	h := &Hub{
		log:        zap.NewNop(),
		scope:      tally.NoopScope,
		clock:      clock.New(),
		sweepEvery: cfg.SweepInterval,
		ops:        make(chan op),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.sweepEvery <= 0 {
		h.sweepEvery = defaultSweepInterval
	}
	h.registry = presence.NewRegistry(cfg.Icons, h.draw)
	h.router = delivery.NewRouter()
	h.neg = transfer.NewNegotiator(h.registry, h.router, transfer.Options{
		Strict:    cfg.Strict,
		OfferTTL:  cfg.OfferTTL,
		MaxOffers: cfg.MaxOffers,
		Clock:     h.clock,
	})
	return h
}

// Run processes operations until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.stopped)
	ticker := h.clock.Ticker(h.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-h.ops:
			o.fn()
			close(o.done)
		case <-ticker.C:
			if n := h.neg.Sweep(); n > 0 {
				h.log.Debug("expired offers swept", zap.Int("count", n))
				h.scope.Counter("offers_expired").Inc(int64(n))
			}
		}
	}
}

func (h *Hub) do(ctx context.Context, fn func()) error {
	o := op{fn: fn, done: make(chan struct{})}
	select {
	case h.ops <- o:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.stopped:
		return ErrStopped
	}
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect makes sink the live handle for id.
func (h *Hub) Connect(ctx context.Context, id string, sink delivery.Sink) error {
	return h.do(ctx, func() {
		h.router.Attach(id, sink)
	})
}

// Join registers id as a peer and tells everyone about it.
func (h *Hub) Join(ctx context.Context, id string) (protocol.Peer, error) {
	var (
		peer protocol.Peer
		err  error
	)
	if doErr := h.do(ctx, func() {
		if _, ok := h.router.Resolve(id); !ok {
			err = fmt.Errorf("join %q: %w", id, ErrNotConnected)
			return
		}
		peer, err = h.registry.Add(id)
		if err != nil {
			return
		}
		h.scope.Counter("joins").Inc(1)
		h.scope.Gauge("peers").Update(float64(h.registry.Len()))
		h.log.Info("peer joined", zap.String("id", peer.ID), zap.String("username", peer.Username))
		h.dispatch(presence.Joined(h.registry, peer))
	}); doErr != nil {
		return protocol.Peer{}, doErr
	}
	return peer, err
}

// Disconnect detaches sink and, when id had joined, announces the departure.
// Unknown ids are a no-op.
func (h *Hub) Disconnect(ctx context.Context, id string, sink delivery.Sink) error {
	return h.do(ctx, func() {
		h.router.Detach(id, sink)
		if _, still := h.router.Resolve(id); still {
			return
		}
		peer, ok := h.registry.Remove(id)
		if !ok {
			return
		}
		dropped := h.neg.Forget(id)
		h.scope.Counter("leaves").Inc(1)
		h.scope.Gauge("peers").Update(float64(h.registry.Len()))
		h.log.Info("peer left", zap.String("id", peer.ID), zap.String("username", peer.Username), zap.Int("offers_dropped", dropped))
		h.dispatch(presence.Left(h.registry, peer))
	})
}

func (h *Hub) SubmitOffer(ctx context.Context, cmd transfer.OfferCommand) (transfer.OfferResult, error) {
	var (
		res transfer.OfferResult
		err error
	)
	if doErr := h.do(ctx, func() {
		res, err = h.neg.SubmitOffer(cmd)
		if err != nil {
			h.scope.Counter("offers_rejected").Inc(1)
			h.log.Warn("offer rejected", zap.String("sender", cmd.SenderID), zap.Error(err))
			return
		}
		delivered, skipped := res.Delivered(), res.Skipped()
		h.scope.Counter("offers").Inc(1)
		h.scope.Counter("deliveries").Inc(int64(len(delivered)))
		h.scope.Counter("deliveries_skipped").Inc(int64(len(skipped)))
		h.log.Info("file offered",
			zap.String("offer", res.OfferID),
			zap.String("sender", cmd.SenderID),
			zap.String("file", cmd.File.Name),
			zap.Strings("delivered", delivered),
			zap.Strings("skipped", skipped))
	}); doErr != nil {
		return transfer.OfferResult{}, doErr
	}
	return res, err
}

func (h *Hub) RecordDecision(ctx context.Context, cmd transfer.DecisionCommand) (transfer.DecisionResult, error) {
	var (
		res transfer.DecisionResult
		err error
	)
	if doErr := h.do(ctx, func() {
		res, err = h.neg.RecordDecision(cmd)
		if err != nil {
			h.scope.Counter("decisions_dropped").Inc(1)
			h.log.Info("decision dropped",
				zap.String("offer", cmd.OfferID),
				zap.String("recipient", cmd.RecipientID),
				zap.String("sender", res.SenderID),
				zap.Error(err))
			return
		}
		h.scope.Counter("decisions").Inc(1)
		h.log.Info("decision delivered",
			zap.String("offer", cmd.OfferID),
			zap.String("recipient", cmd.RecipientID),
			zap.String("sender", res.SenderID),
			zap.Bool("accepted", cmd.Accepted))
	}); doErr != nil {
		return transfer.DecisionResult{}, doErr
	}
	return res, err
}

// Peer looks up a joined peer.
func (h *Hub) Peer(ctx context.Context, id string) (protocol.Peer, bool, error) {
	var (
		peer protocol.Peer
		ok   bool
	)
	err := h.do(ctx, func() {
		peer, ok = h.registry.Get(id)
	})
	return peer, ok, err
}

// Peers returns every joined peer in join order.
func (h *Hub) Peers(ctx context.Context) ([]protocol.Peer, error) {
	var peers []protocol.Peer
	err := h.do(ctx, func() {
		peers = h.registry.List()
	})
	return peers, err
}

// PendingOffers reports how many offers still wait on a decision.
func (h *Hub) PendingOffers(ctx context.Context) (int, error) {
	var n int
	err := h.do(ctx, func() {
		n = h.neg.Pending()
	})
	return n, err
}

func (h *Hub) dispatch(notices []presence.Notice) {
	for _, n := range notices {
		if err := h.router.Send(n.To, n.Packet); err != nil {
			h.scope.Counter("deliveries_skipped").Inc(1)
			h.log.Debug("notice not delivered", zap.String("type", n.Packet.Type), zap.Error(err))
		}
	}
}
