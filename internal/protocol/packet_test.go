package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEmptyRosterCarriesPeers(t *testing.T) {
	for _, peers := range [][]Peer{nil, {}} {
		raw, err := json.Marshal(Packet{Type: TypeRoster, Peers: peers})
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		if string(raw) != `{"type":"roster","peers":[]}` {
			t.Fatalf("unexpected roster json: %s", raw)
		}
	}

	raw, err := json.Marshal(Packet{Type: TypeRoster, Peers: []Peer{{ID: "a1", Username: "Otter", Icon: "Otter"}}})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var back Packet
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(back.Peers) != 1 || back.Peers[0].Username != "Otter" {
		t.Fatalf("unexpected roster: %s", raw)
	}
}

func TestOtherPacketsOmitPeers(t *testing.T) {
	raw, err := json.Marshal(ErrorPacket("bad"))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if strings.Contains(string(raw), "peers") {
		t.Fatalf("unexpected peers field: %s", raw)
	}
}
