package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"nearbydrop/internal/config"
	"nearbydrop/internal/presence"
	"nearbydrop/internal/protocol"
	"nearbydrop/internal/transfer"
)

type rateLimiter struct {
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
}

func newRateLimiter(msgsPerSec int, burst int) *rateLimiter {
	r := float64(msgsPerSec)
	b := float64(burst)
	if r <= 0 {
		r = float64(config.DefaultMaxMsgsPerSec)
	}
	if b <= 0 {
		b = float64(config.DefaultBurstMessages)
	}
	return &rateLimiter{rate: r, burst: b, tokens: b, last: time.Now()}
}

func (rl *rateLimiter) Allow() bool {
	now := time.Now()
	rl.tokens += now.Sub(rl.last).Seconds() * rl.rate
	rl.last = now
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}

// peerConn is the live handle the hub delivers to. Packets are queued and
// written by writeLoop; a full queue drops the packet.
type peerConn struct {
	id   string
	ws   *websocket.Conn
	out  chan protocol.Packet
	done chan struct{}
	once sync.Once
}

func newPeerConn(id string, ws *websocket.Conn, queue int) *peerConn {
	if queue <= 0 {
		queue = config.DefaultSendQueue
	}
	return &peerConn{
		id:   id,
		ws:   ws,
		out:  make(chan protocol.Packet, queue),
		done: make(chan struct{}),
	}
}

func (c *peerConn) Deliver(p protocol.Packet) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- p:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *peerConn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *peerConn) writeLoop(log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.ws.Close()
	}()
	for {
		select {
		case p := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(p); err != nil {
				log.Debug("write failed", zap.String("id", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := newPeerConn(uuid.NewString(), ws, s.cfg.SendQueue)
	if err := s.hub.Connect(s.ctx, c.id, c); err != nil {
		_ = ws.Close()
		return
	}
	s.log.Debug("connection opened", zap.String("id", c.id), zap.String("remote", r.RemoteAddr))
	go c.writeLoop(s.log)

	defer func() {
		if err := s.hub.Disconnect(context.WithoutCancel(s.ctx), c.id, c); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Debug("disconnect not processed", zap.String("id", c.id), zap.Error(err))
		}
		c.close()
		s.log.Debug("connection closed", zap.String("id", c.id))
	}()

	maxBytes := s.cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = config.DefaultMaxMessageBytes
	}
	ws.SetReadLimit(int64(maxBytes))
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	rl := newRateLimiter(s.cfg.MaxMsgsPerSec, s.cfg.BurstMessages)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read failed", zap.String("id", c.id), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if !rl.Allow() {
			c.Deliver(protocol.ErrorPacket("rate limited"))
			continue
		}
		var p protocol.Packet
		if err := json.Unmarshal(data, &p); err != nil {
			c.Deliver(protocol.ErrorPacket("malformed packet"))
			continue
		}
		s.handlePacket(c, p)
	}
}

func (s *Server) handlePacket(c *peerConn, p protocol.Packet) {
	switch p.Type {
	case protocol.TypeJoin:
		if _, err := s.hub.Join(s.ctx, c.id); err != nil {
			if errors.Is(err, presence.ErrDuplicatePeer) {
				c.Deliver(protocol.ErrorPacket("already joined"))
				return
			}
			s.log.Warn("join failed", zap.String("id", c.id), zap.Error(err))
			c.Deliver(protocol.ErrorPacket("join failed"))
		}
	case protocol.TypeOffer:
		if p.File == nil || p.File.Handle == "" {
			c.Deliver(protocol.ErrorPacket("offer needs an uploaded file"))
			return
		}
		res, err := s.hub.SubmitOffer(s.ctx, transfer.OfferCommand{
			SenderID:     c.id,
			File:         *p.File,
			RecipientIDs: p.RecipientIDs,
		})
		if err != nil {
			if errors.Is(err, transfer.ErrUnknownSender) {
				c.Deliver(protocol.ErrorPacket("join before offering files"))
			}
			return
		}
		c.Deliver(offerResultPacket(res))
	case protocol.TypeDecision:
		cmd := transfer.DecisionCommand{
			OfferID:     p.ID,
			RecipientID: c.id,
			SenderID:    p.SenderID,
			Accepted:    p.Accepted,
		}
		if p.File != nil {
			cmd.File = *p.File
		}
		_, err := s.hub.RecordDecision(s.ctx, cmd)
		switch {
		case err == nil, errors.Is(err, transfer.ErrSenderGone):
		case errors.Is(err, transfer.ErrAlreadyDecided):
			c.Deliver(protocol.ErrorPacket("offer already answered"))
		case errors.Is(err, transfer.ErrUnknownOffer), errors.Is(err, transfer.ErrOfferMismatch):
			c.Deliver(protocol.ErrorPacket("no such offer"))
		}
	default:
		c.Deliver(protocol.ErrorPacket("unknown packet type"))
	}
}

func offerResultPacket(res transfer.OfferResult) protocol.Packet {
	return protocol.Packet{
		Type:      protocol.TypeOfferResult,
		ID:        res.OfferID,
		Delivered: res.Delivered(),
		Skipped:   res.Skipped(),
	}
}
