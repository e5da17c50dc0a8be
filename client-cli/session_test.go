package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"nearbydrop/internal/protocol"
)

func TestHandleTracksPeersAndOffers(t *testing.T) {
	var out bytes.Buffer
	s := newSession(nil, nil, nil, &out, t.TempDir())

	alice := protocol.Peer{ID: "a1", Username: "Otter", Icon: "Otter"}
	bob := protocol.Peer{ID: "b2", Username: "Koala", Icon: "Koala"}
	s.handle(protocol.Packet{Type: protocol.TypeSelf, Peer: &protocol.Peer{ID: "me", Username: "Lemur"}})
	s.handle(protocol.Packet{Type: protocol.TypeRoster, Peers: []protocol.Peer{alice}})
	s.handle(protocol.Packet{Type: protocol.TypePeerJoined, Peer: &bob})
	s.handle(protocol.Packet{Type: protocol.TypePeerLeft, Peer: &alice})
	s.handle(protocol.Packet{Type: protocol.TypeFileOffer, ID: "o1", Sender: &bob, File: &protocol.FileMeta{Name: "a.txt", Handle: "file-1.txt"}, Status: protocol.StatusOffered})

	if s.self.ID != "me" {
		t.Fatalf("unexpected self: %+v", s.self)
	}
	if len(s.peers) != 1 || s.peers[0] != bob {
		t.Fatalf("unexpected peers: %+v", s.peers)
	}
	if _, ok := s.offers["o1"]; !ok {
		t.Fatalf("offer not tracked")
	}
	if !strings.Contains(out.String(), "Koala offers a.txt") {
		t.Fatalf("offer not printed: %q", out.String())
	}
}

func TestResolveByNameOrID(t *testing.T) {
	s := newSession(nil, nil, nil, io.Discard, t.TempDir())
	s.peers = []protocol.Peer{{ID: "a1", Username: "Otter"}, {ID: "b2", Username: "Koala-b2b"}}

	ids, err := s.resolve([]string{"otter", "b2"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a1" || ids[1] != "b2" {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if _, err := s.resolve([]string{"Panda"}); err == nil {
		t.Fatalf("expected unknown peer error")
	}
}

func TestTakeOffer(t *testing.T) {
	s := newSession(nil, nil, nil, io.Discard, t.TempDir())
	if _, err := s.takeOffer("missing"); !errors.Is(err, errNoSuchOffer) {
		t.Fatalf("expected errNoSuchOffer, got %v", err)
	}

	s.offers["o1"] = protocol.Packet{ID: "o1"}
	o, err := s.takeOffer("")
	if err != nil || o.ID != "o1" {
		t.Fatalf("expected the only offer, got %+v %v", o, err)
	}
	if len(s.offers) != 0 {
		t.Fatalf("offer not removed")
	}

	s.offers["o2"] = protocol.Packet{ID: "o2"}
	s.offers["o3"] = protocol.Packet{ID: "o3"}
	if _, err := s.takeOffer(""); err == nil {
		t.Fatalf("expected ambiguity error")
	}
}

func TestAcceptSendsDecisionAndDownloads(t *testing.T) {
	decisions := make(chan protocol.Packet, 1)
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		var p protocol.Packet
		if err := ws.ReadJSON(&p); err == nil {
			decisions <- p
		}
	})
	mux.HandleFunc("GET /files/{handle}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("handle") != "file-1.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("hello"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	base, _ := url.Parse(ts.URL)
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(base), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close()

	dir := t.TempDir()
	s := newSession(base, ws, ts.Client(), io.Discard, dir)
	bob := protocol.Peer{ID: "b2", Username: "Koala"}
	s.offers["o1"] = protocol.Packet{ID: "o1", Sender: &bob, File: &protocol.FileMeta{Name: "notes.txt", Handle: "file-1.txt", Size: 5}}

	if _, err := s.exec(context.Background(), "accept o1"); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	select {
	case p := <-decisions:
		if p.Type != protocol.TypeDecision || p.ID != "o1" || p.SenderID != "b2" || !p.Accepted {
			t.Fatalf("unexpected decision: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("decision not received")
	}

	got, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	if err != nil || string(got) != "hello" {
		t.Fatalf("unexpected download: %q %v", got, err)
	}
}

func TestWSURL(t *testing.T) {
	for in, want := range map[string]string{
		"http://127.0.0.1:3006":   "ws://127.0.0.1:3006/ws",
		"https://relay.lan/drop/": "wss://relay.lan/drop/ws",
	} {
		u, _ := url.Parse(strings.TrimRight(in, "/"))
		if got := wsURL(u); got != want {
			t.Fatalf("wsURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLineWriterSplitsAndDrops(t *testing.T) {
	ch := make(chan string, 2)
	w := lineWriter{ch: ch}
	if _, err := w.Write([]byte("one\ntwo\nthree\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if got := <-ch; got != "one" {
		t.Fatalf("unexpected first line: %q", got)
	}
	if got := <-ch; got != "two" {
		t.Fatalf("unexpected second line: %q", got)
	}
	select {
	case got := <-ch:
		t.Fatalf("expected overflow to be dropped, got %q", got)
	default:
	}
}
