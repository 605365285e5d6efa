package wire

import (
	"github.com/agenthands/blobnet/pkg/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// PeerInfo is an AddrInfo on the wire.
type PeerInfo struct {
	ID    []byte   `cbor:"1,keyasint"`
	Addrs [][]byte `cbor:"2,keyasint,omitempty"`
}

func FromAddrInfo(ai peer.AddrInfo) PeerInfo {
	pi := PeerInfo{ID: []byte(ai.ID)}
	for _, a := range ai.Addrs {
		pi.Addrs = append(pi.Addrs, a.Bytes())
	}
	return pi
}

// AddrInfo converts back, dropping addresses that fail to parse. A malformed
// peer ID is an error.
func (p PeerInfo) AddrInfo() (peer.AddrInfo, error) {
	id := peer.ID(p.ID)
	if err := id.Validate(); err != nil {
		return peer.AddrInfo{}, err
	}
	ai := peer.AddrInfo{ID: id}
	for _, b := range p.Addrs {
		a, err := ma.NewMultiaddrBytes(b)
		if err != nil {
			continue
		}
		ai.Addrs = append(ai.Addrs, a)
	}
	return ai, nil
}

func FromAddrInfos(ais []peer.AddrInfo) []PeerInfo {
	out := make([]PeerInfo, 0, len(ais))
	for _, ai := range ais {
		out = append(out, FromAddrInfo(ai))
	}
	return out
}

type DHTMessageType uint8

const (
	FindNode DHTMessageType = iota + 1
	GetProviders
	AddProvider
	PutValue
	GetValue
	Ping
)

func (t DHTMessageType) String() string {
	switch t {
	case FindNode:
		return "FIND_NODE"
	case GetProviders:
		return "GET_PROVIDERS"
	case AddProvider:
		return "ADD_PROVIDER"
	case PutValue:
		return "PUT_VALUE"
	case GetValue:
		return "GET_VALUE"
	case Ping:
		return "PING"
	default:
		return "UNKNOWN"
	}
}

// ValueRecord is a signed key/value record.
type ValueRecord struct {
	Key       []byte `cbor:"1,keyasint"`
	Value     []byte `cbor:"2,keyasint"`
	Publisher []byte `cbor:"3,keyasint"`
	PublicKey []byte `cbor:"4,keyasint"`
	Timestamp int64  `cbor:"5,keyasint"` // unix nanoseconds
	Signature []byte `cbor:"6,keyasint"`
}

// DHTMessage is used for both requests and responses; a response echoes the
// request type.
type DHTMessage struct {
	Type DHTMessageType `cbor:"1,keyasint"`
	Key  []byte         `cbor:"2,keyasint,omitempty"`

	Record        *ValueRecord `cbor:"3,keyasint,omitempty"`
	CloserPeers   []PeerInfo   `cbor:"4,keyasint,omitempty"`
	ProviderPeers []PeerInfo   `cbor:"5,keyasint,omitempty"`

	// Server is set by senders running in server mode; only those are added
	// to the receiver's routing table.
	Server bool   `cbor:"6,keyasint,omitempty"`
	Error  string `cbor:"7,keyasint,omitempty"`
	// Sender carries the listen addresses of a server-mode requester.
	Sender *PeerInfo `cbor:"8,keyasint,omitempty"`
}

type WantType uint8

const (
	WantHave WantType = iota + 1
	WantBlock
)

type WantEntry struct {
	CID      []byte   `cbor:"1,keyasint"`
	Type     WantType `cbor:"2,keyasint"`
	Priority int32    `cbor:"3,keyasint,omitempty"`
	Cancel   bool     `cbor:"4,keyasint,omitempty"`
}

type PresenceType uint8

const (
	Have PresenceType = iota + 1
	DontHave
)

type Presence struct {
	CID  []byte       `cbor:"1,keyasint"`
	Type PresenceType `cbor:"2,keyasint"`
}

type Block struct {
	CID  []byte `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint"`
}

// ExchangeMessage carries any mix of wants, presences and blocks.
type ExchangeMessage struct {
	Wants     []WantEntry `cbor:"1,keyasint,omitempty"`
	Presences []Presence  `cbor:"2,keyasint,omitempty"`
	Blocks    []Block     `cbor:"3,keyasint,omitempty"`
}

func (m *ExchangeMessage) Empty() bool {
	return len(m.Wants) == 0 && len(m.Presences) == 0 && len(m.Blocks) == 0
}
