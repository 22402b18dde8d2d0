package peer

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStore_RoundTripsSavedBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	store := NewFileStore(path)
	ctx := context.Background()

	data, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load of a nonexistent file should not error: %v", err)
	}
	if data != nil {
		t.Errorf("Load of a nonexistent file should return nil, got %v", data)
	}

	want := []byte(`{"version":1,"peers":[]}`)
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("Load returned %s, want %s", got, want)
	}
}

func TestMarshalUnmarshalTable_DropsLoopbackAndStaleEntries(t *testing.T) {
	now := time.Now()
	peers := []*Peer{
		{NodeID: "remote", Address: "10.0.0.1", Port: 7700, LastSeen: now},
		{NodeID: "local", Address: "127.0.0.1", Port: 7700, LastSeen: now},
	}
	data, err := marshalTable(peers)
	if err != nil {
		t.Fatalf("marshalTable: %v", err)
	}

	records, err := unmarshalTable(data, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("unmarshalTable: %v", err)
	}
	if len(records) != 1 || records[0].NodeID != "remote" {
		t.Fatalf("expected only the non-loopback peer to survive, got %+v", records)
	}
}

func TestUnmarshalTable_DropsEntriesOlderThanMaxAge(t *testing.T) {
	stale := []*Peer{
		{NodeID: "old", Address: "10.0.0.1", Port: 7700, LastSeen: time.Now().Add(-30 * 24 * time.Hour)},
		{NodeID: "fresh", Address: "10.0.0.2", Port: 7700, LastSeen: time.Now()},
	}
	data, err := marshalTable(stale)
	if err != nil {
		t.Fatalf("marshalTable: %v", err)
	}
	records, err := unmarshalTable(data, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("unmarshalTable: %v", err)
	}
	if len(records) != 1 || records[0].NodeID != "fresh" {
		t.Fatalf("expected only the fresh peer to survive maxAge pruning, got %+v", records)
	}
}

func TestUnmarshalTable_VersionMismatchIsTreatedAsNoPriorState(t *testing.T) {
	records, err := unmarshalTable([]byte(`{"version":99,"peers":[{"node_id":"x"}]}`), time.Hour)
	if err != nil {
		t.Fatalf("unmarshalTable: %v", err)
	}
	if records != nil {
		t.Errorf("a version mismatch should be treated as no prior state, got %v", records)
	}
}
