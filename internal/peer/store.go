package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// tableVersion tags the persisted blob's schema so a future format change
// can be detected on load.
const tableVersion = 1

// record is the persisted form of a Peer: counters and timestamps survive
// restart, live socket state does not.
type record struct {
	NodeID            string    `json:"node_id"`
	Address           string    `json:"address"`
	Port              int       `json:"port"`
	LastSeen          time.Time `json:"last_seen"`
	SuccessfulConns   uint64    `json:"successful_conns"`
	FailedConns       uint64    `json:"failed_conns"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
}

type table struct {
	Version int      `json:"version"`
	Peers   []record `json:"peers"`
}

// BlobStore is an opaque byte-blob persistence abstraction for the peer
// table. The on-disk/on-wire format is this package's concern alone;
// BlobStore only needs to round-trip whatever bytes it's given.
type BlobStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// FileStore persists the blob to a single file via atomic write-to-temp +
// rename, so a crash mid-write never leaves a corrupt table on disk.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

func (f *FileStore) Save(ctx context.Context, data []byte) error {
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".peers-*.tmp")
	if err != nil {
		return fmt.Errorf("peer: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("peer: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("peer: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("peer: rename temp file: %w", err)
	}
	return nil
}

// RedisStore persists the blob as a single string key, for deployments that
// already run Redis for other node state instead of a local filesystem.
type RedisStore struct {
	client redis.Cmdable
	key    string
}

// NewRedisStore creates a RedisStore writing to key via client.
func NewRedisStore(client redis.Cmdable, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Load(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("peer: redis get: %w", err)
	}
	return data, nil
}

func (r *RedisStore) Save(ctx context.Context, data []byte) error {
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("peer: redis set: %w", err)
	}
	return nil
}

// marshalTable serializes peers (minus live sockets) into the persisted
// blob format, excluding loopback addresses.
func marshalTable(peers []*Peer) ([]byte, error) {
	t := table{Version: tableVersion}
	for _, p := range peers {
		if isLoopback(p.Address) {
			continue
		}
		t.Peers = append(t.Peers, record{
			NodeID:            p.NodeID,
			Address:           p.Address,
			Port:              p.Port,
			LastSeen:          p.LastSeen,
			SuccessfulConns:   p.SuccessfulConns,
			FailedConns:       p.FailedConns,
			ReconnectAttempts: p.ReconnectAttempts,
		})
	}
	return json.Marshal(t)
}

// unmarshalTable parses a persisted blob, dropping entries older than
// maxAge (7 days) and skipping a version mismatch entirely (treated as
// "no prior state" rather than an error, since peers are always
// reconstructible from discovery).
func unmarshalTable(data []byte, maxAge time.Duration) ([]record, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var t table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("peer: decode table: %w", err)
	}
	if t.Version != tableVersion {
		return nil, nil
	}
	cutoff := time.Now().Add(-maxAge)
	out := make([]record, 0, len(t.Peers))
	for _, r := range t.Peers {
		if r.LastSeen.Before(cutoff) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func isLoopback(address string) bool {
	switch address {
	case "127.0.0.1", "::1", "localhost":
		return true
	default:
		return false
	}
}
