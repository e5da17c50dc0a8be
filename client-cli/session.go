package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"nearbydrop/internal/protocol"
)

const commandHelp = "peers | offers | send <path> [peer ...] | accept [offer] | reject [offer] | quit"

var errNoSuchOffer = errors.New("no such offer")

// session tracks what this client knows about the relay: its own identity,
// the nearby peers and the offers waiting for an answer.
type session struct {
	base      *url.URL
	ws        *websocket.Conn
	http      *http.Client
	out       io.Writer
	downloads string

	writeMu sync.Mutex

	mu     sync.Mutex
	self   protocol.Peer
	peers  []protocol.Peer
	offers map[string]protocol.Packet
}

func newSession(base *url.URL, ws *websocket.Conn, hc *http.Client, out io.Writer, downloads string) *session {
	return &session{
		base:      base,
		ws:        ws,
		http:      hc,
		out:       out,
		downloads: downloads,
		offers:    make(map[string]protocol.Packet),
	}
}

func (s *session) send(p protocol.Packet) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteJSON(p)
}

// waitJoined reads until the relay has announced who we are and the roster.
func (s *session) waitJoined() error {
	for {
		var p protocol.Packet
		if err := s.ws.ReadJSON(&p); err != nil {
			return fmt.Errorf("join response failed: %w", err)
		}
		if p.Type == protocol.TypeError {
			return fmt.Errorf("relay rejected: %s", p.Body)
		}
		s.handle(p)
		if p.Type == protocol.TypeWelcome {
			return nil
		}
	}
}

func (s *session) readLoop() {
	for {
		var p protocol.Packet
		if err := s.ws.ReadJSON(&p); err != nil {
			fmt.Fprintln(s.out, "connection closed")
			return
		}
		s.handle(p)
	}
}

func (s *session) handle(p protocol.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch p.Type {
	case protocol.TypeSelf:
		if p.Peer != nil {
			s.self = *p.Peer
			fmt.Fprintf(s.out, "you are %s (%s)\n", s.self.Username, s.self.ID)
		}
	case protocol.TypeRoster:
		s.peers = append(s.peers[:0], p.Peers...)
		fmt.Fprintf(s.out, "%d peer(s) nearby\n", len(s.peers))
	case protocol.TypeWelcome:
		fmt.Fprintf(s.out, "%s: %s\n", p.Title, p.Body)
	case protocol.TypePeerJoined:
		if p.Peer != nil {
			s.peers = append(s.peers, *p.Peer)
			fmt.Fprintf(s.out, "+ %s joined\n", p.Peer.Username)
		}
	case protocol.TypePeerLeft:
		if p.Peer != nil {
			for i, peer := range s.peers {
				if peer.ID == p.Peer.ID {
					s.peers = append(s.peers[:i], s.peers[i+1:]...)
					break
				}
			}
			fmt.Fprintf(s.out, "- %s left\n", p.Peer.Username)
		}
	case protocol.TypeFileOffer:
		if p.Sender == nil || p.File == nil {
			return
		}
		s.offers[p.ID] = p
		fmt.Fprintf(s.out, "%s offers %s (%d bytes) [offer %s]\n", p.Sender.Username, p.File.Name, p.File.Size, p.ID)
	case protocol.TypeOfferResult:
		fmt.Fprintf(s.out, "offer %s reached %d peer(s), %d skipped\n", p.ID, len(p.Delivered), len(p.Skipped))
	case protocol.TypeFileAccepted, protocol.TypeFileRejected:
		fmt.Fprintln(s.out, p.Body)
	case protocol.TypeError:
		fmt.Fprintf(s.out, "relay error: %s\n", p.Body)
	default:
		fmt.Fprintf(s.out, "relay: %+v\n", p)
	}
}

// exec runs one interactive command line. It reports whether the user asked to quit.
func (s *session) exec(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	switch fields[0] {
	case "quit", "/quit":
		return true, nil
	case "peers":
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.peers) == 0 {
			fmt.Fprintln(s.out, "nobody nearby")
		}
		for _, p := range s.peers {
			fmt.Fprintf(s.out, "  %s  %s  %s\n", p.Username, p.Icon, p.ID)
		}
		return false, nil
	case "offers":
		s.mu.Lock()
		defer s.mu.Unlock()
		ids := make([]string, 0, len(s.offers))
		for id := range s.offers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			o := s.offers[id]
			fmt.Fprintf(s.out, "  %s  %s from %s\n", id, o.File.Name, o.Sender.Username)
		}
		return false, nil
	case "send":
		if len(fields) < 2 {
			return false, errors.New("usage: send <path> [peer ...]")
		}
		return false, s.upload(ctx, fields[1], fields[2:])
	case "accept", "reject":
		id := ""
		if len(fields) > 1 {
			id = fields[1]
		}
		return false, s.decide(ctx, id, fields[0] == "accept")
	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
}

// snapshot returns who we are, the nearby peers and how many offers wait.
func (s *session) snapshot() (protocol.Peer, []protocol.Peer, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self, append([]protocol.Peer(nil), s.peers...), len(s.offers)
}

// resolve maps names or ids typed by the user to peer ids.
func (s *session) resolve(names []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(names))
	for _, name := range names {
		found := false
		for _, p := range s.peers {
			if p.ID == name || strings.EqualFold(p.Username, name) {
				ids = append(ids, p.ID)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("no nearby peer named %q", name)
		}
	}
	return ids, nil
}

// takeOffer removes and returns a pending offer. An empty id picks the only
// pending offer.
func (s *session) takeOffer(id string) (protocol.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		if len(s.offers) != 1 {
			return protocol.Packet{}, fmt.Errorf("%d offers pending, name one", len(s.offers))
		}
		for k := range s.offers {
			id = k
		}
	}
	o, ok := s.offers[id]
	if !ok {
		return protocol.Packet{}, fmt.Errorf("%w: %s", errNoSuchOffer, id)
	}
	delete(s.offers, id)
	return o, nil
}

func (s *session) decide(ctx context.Context, id string, accepted bool) error {
	o, err := s.takeOffer(id)
	if err != nil {
		return err
	}
	if err := s.send(protocol.Packet{
		Type:     protocol.TypeDecision,
		ID:       o.ID,
		SenderID: o.Sender.ID,
		File:     o.File,
		Accepted: accepted,
	}); err != nil {
		return fmt.Errorf("send decision: %w", err)
	}
	if !accepted {
		fmt.Fprintf(s.out, "rejected %s\n", o.File.Name)
		return nil
	}
	path, err := s.download(ctx, *o.File)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "saved %s\n", path)
	return nil
}

func (s *session) upload(ctx context.Context, path string, to []string) error {
	recipients, err := s.resolve(to)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	s.mu.Lock()
	senderID := s.self.ID
	s.mu.Unlock()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("senderId", senderID)
	rawRecipients, _ := json.Marshal(recipients)
	_ = mw.WriteField("recipients", string(rawRecipients))
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base.JoinPath("upload").String(), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upload rejected: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var res struct {
		OfferID   string   `json:"offer_id"`
		Delivered []string `json:"delivered"`
		Skipped   []string `json:"skipped"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("decode upload response: %w", err)
	}
	fmt.Fprintf(s.out, "offered %s to %d peer(s) [offer %s]\n", filepath.Base(path), len(res.Delivered), res.OfferID)
	return nil
}

func (s *session) download(ctx context.Context, meta protocol.FileMeta) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base.JoinPath("files", meta.Handle).String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: %s", meta.Name, resp.Status)
	}

	path := filepath.Join(s.downloads, filepath.Base(meta.Name))
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return "", fmt.Errorf("save %s: %w", path, err)
	}
	return path, out.Close()
}
