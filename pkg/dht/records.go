package dht

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/peer"
	"github.com/agenthands/blobnet/pkg/wire"
	"github.com/fxamacker/cbor/v2"
	ds "github.com/ipfs/go-datastore"
	"github.com/multiformats/go-varint"
)

const valuesPrefix = "/values"

// MaxValueSize bounds a value record payload.
const MaxValueSize = 64 << 10

func valueKey(key []byte) ds.Key {
	return ds.NewKey(valuesPrefix).ChildString(keyEncoding.EncodeToString(key))
}

// signingBytes is the message covered by a record signature:
// uvarint-prefixed key, value and publisher followed by the big-endian
// timestamp.
func signingBytes(rec *wire.ValueRecord) []byte {
	var buf bytes.Buffer
	for _, field := range [][]byte{rec.Key, rec.Value, rec.Publisher} {
		buf.Write(varint.ToUvarint(uint64(len(field))))
		buf.Write(field)
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(rec.Timestamp))
	buf.Write(ts[:])
	return buf.Bytes()
}

// NewRecord builds and signs a value record published by ident.
func NewRecord(ident *peer.Identity, key, value []byte, timestamp int64) *wire.ValueRecord {
	rec := &wire.ValueRecord{
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Publisher: []byte(ident.ID),
		PublicKey: append([]byte(nil), ident.PublicKey()...),
		Timestamp: timestamp,
	}
	rec.Signature = ident.Sign(signingBytes(rec))
	return rec
}

// VerifyRecord checks that rec is well formed, addressed to key and signed
// by its publisher.
func VerifyRecord(key []byte, rec *wire.ValueRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: missing record", core.ErrInvalidInput)
	}
	if !bytes.Equal(rec.Key, key) {
		return fmt.Errorf("%w: record key mismatch", core.ErrIntegrity)
	}
	if len(rec.Value) > MaxValueSize {
		return fmt.Errorf("%w: value of %d bytes exceeds %d", core.ErrInvalidInput, len(rec.Value), MaxValueSize)
	}
	if len(rec.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key", core.ErrIntegrity)
	}
	pub := ed25519.PublicKey(rec.PublicKey)
	if !peer.ID(rec.Publisher).MatchesPublicKey(pub) {
		return fmt.Errorf("%w: publisher does not match key", core.ErrIntegrity)
	}
	if !ed25519.Verify(pub, signingBytes(rec), rec.Signature) {
		return fmt.Errorf("%w: bad record signature", core.ErrIntegrity)
	}
	return nil
}

// Better reports whether a should replace b: the later timestamp wins and
// equal timestamps fall back to the larger value bytes.
func Better(a, b *wire.ValueRecord) bool {
	if b == nil {
		return a != nil
	}
	if a == nil {
		return false
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return bytes.Compare(a.Value, b.Value) > 0
}

type valueStore struct {
	mu    sync.Mutex // serialises compare-and-put
	store ds.Datastore
}

func (vs *valueStore) get(ctx context.Context, key []byte) (*wire.ValueRecord, error) {
	raw, err := vs.store.Get(ctx, valueKey(key))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec wire.ValueRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: stored record: %v", core.ErrIntegrity, err)
	}
	return &rec, nil
}

// put stores rec when it is valid and better than the stored record. It
// reports whether the store changed.
func (vs *valueStore) put(ctx context.Context, rec *wire.ValueRecord) (bool, error) {
	if err := VerifyRecord(rec.Key, rec); err != nil {
		return false, err
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	cur, err := vs.get(ctx, rec.Key)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return false, err
	}
	if cur != nil && !Better(rec, cur) {
		return false, nil
	}
	raw, err := cbor.Marshal(rec)
	if err != nil {
		return false, err
	}
	return true, vs.store.Put(ctx, valueKey(rec.Key), raw)
}
