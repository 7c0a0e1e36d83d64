// Package store holds the local authoritative data behind state keys. Every
// object lives in a namespace, the id of the peer the state is exchanged
// with, so key spaces of different peer directions never collide.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zeebo/xxh3"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrClosed   = errors.New("store: closed")
	// ErrInvalidData rejects payloads that are not JSON documents.
	ErrInvalidData = errors.New("store: data is not valid JSON")
)

// ReservedPrefix starts the namespaces roles keep for themselves. Peer
// namespaces never start with it.
const ReservedPrefix = "_"

// Object is one synchronizable unit: the canonical payload behind a state key
// and the hash it was published or received with.
type Object struct {
	Namespace string
	Key       string
	Hash      string
	Data      []byte
}

type Store interface {
	// Put writes the object; writing the same (key, hash, data) twice leaves
	// the store as if written once.
	Put(ctx context.Context, ns, key, hash string, data []byte) error
	Get(ctx context.Context, ns, key string) (Object, error)
	// Delete removes the object; deleting a missing key is not an error.
	Delete(ctx context.Context, ns, key string) error
	// HashState returns key -> hash for every object in ns.
	HashState(ctx context.Context, ns string) (map[string]string, error)
	Close() error
}

// Hash is the digest of canonical content used as a state hash.
func Hash(data []byte) string {
	sum := xxh3.Hash128(data).Bytes()
	return hex.EncodeToString(sum[:])
}

// Canonical returns data as compact JSON, the form every state hash is taken
// over. Compact JSON is carried through the wire codec unchanged.
func Canonical(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return buf.Bytes(), nil
}

// values are framed as uvarint(len(hash)) | hash | data
func encodeValue(hash string, data []byte) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(hash)+len(data))
	buf = binary.AppendUvarint(buf, uint64(len(hash)))
	buf = append(buf, hash...)
	return append(buf, data...)
}

func decodeValue(raw []byte) (string, []byte, error) {
	n, size := binary.Uvarint(raw)
	if size <= 0 || uint64(len(raw)-size) < n {
		return "", nil, fmt.Errorf("store: corrupt value of %d bytes", len(raw))
	}
	raw = raw[size:]
	hash := string(raw[:n])
	data := append([]byte(nil), raw[n:]...)
	return hash, data, nil
}

func contextErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
