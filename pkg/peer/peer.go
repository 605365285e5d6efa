// Package peer defines peer identities and addresses.
//
// A peer ID is the sha2-256 multihash of the peer's raw ed25519 public key,
// rendered in base58btc.
package peer

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agenthands/blobnet/pkg/core"
	"github.com/mr-tron/base58"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multihash"
)

// IDLen is the length of a raw peer ID: two multihash header bytes plus a
// sha2-256 digest.
const IDLen = 34

// ID is the raw multihash bytes of a peer's public key.
type ID string

func IDFromPublicKey(pub ed25519.PublicKey) (ID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: public key of %d bytes", core.ErrInvalidInput, len(pub))
	}
	mh, err := multihash.Sum(pub, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return ID(mh), nil
}

// Decode parses a base58btc peer ID.
func Decode(s string) (ID, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("%w: peer id %q: %v", core.ErrInvalidInput, s, err)
	}
	id := ID(b)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

func (id ID) Validate() error {
	if len(id) != IDLen {
		return fmt.Errorf("%w: peer id has %d bytes", core.ErrInvalidInput, len(id))
	}
	dec, err := multihash.Decode([]byte(id))
	if err != nil || dec.Code != multihash.SHA2_256 {
		return fmt.Errorf("%w: peer id is not a sha2-256 multihash", core.ErrInvalidInput)
	}
	return nil
}

// MatchesPublicKey reports whether id was derived from pub.
func (id ID) MatchesPublicKey(pub ed25519.PublicKey) bool {
	derived, err := IDFromPublicKey(pub)
	return err == nil && derived == id
}

func (id ID) String() string {
	return base58.Encode([]byte(id))
}

// ShortString is the tail of the base58 form, for logs.
func (id ID) ShortString() string {
	s := id.String()
	if len(s) <= 8 {
		return s
	}
	return "*" + s[len(s)-6:]
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	dec, err := Decode(string(b))
	if err != nil {
		return err
	}
	*id = dec
	return nil
}

// AddrInfo is a peer together with the addresses it can be dialled on.
type AddrInfo struct {
	ID    ID
	Addrs []ma.Multiaddr
}

func (ai AddrInfo) String() string {
	addrs := make([]string, len(ai.Addrs))
	for i, a := range ai.Addrs {
		addrs[i] = a.String()
	}
	return fmt.Sprintf("{%s: [%s]}", ai.ID, strings.Join(addrs, " "))
}

// StringAddrs returns the addresses in text form.
func (ai AddrInfo) StringAddrs() []string {
	out := make([]string, len(ai.Addrs))
	for i, a := range ai.Addrs {
		out[i] = a.String()
	}
	return out
}

// AddrInfoFromString parses a dialable address ending in /p2p/<peer id>,
// e.g. /ip4/10.0.0.1/udp/4011/quic-v1/p2p/QmPeer.
func AddrInfoFromString(s string) (AddrInfo, error) {
	i := strings.LastIndex(s, "/p2p/")
	if i < 0 {
		return AddrInfo{}, fmt.Errorf("%w: address %q has no /p2p component", core.ErrInvalidInput, s)
	}
	id, err := Decode(s[i+len("/p2p/"):])
	if err != nil {
		return AddrInfo{}, err
	}
	ai := AddrInfo{ID: id}
	if i > 0 {
		addr, err := ma.NewMultiaddr(s[:i])
		if err != nil {
			return AddrInfo{}, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
		}
		ai.Addrs = []ma.Multiaddr{addr}
	}
	return ai, nil
}

// AddrsFromStrings parses multiaddrs, skipping none.
func AddrsFromStrings(in []string) ([]ma.Multiaddr, error) {
	out := make([]ma.Multiaddr, 0, len(in))
	for _, s := range in {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("%w: address %q: %v", core.ErrInvalidInput, s, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// Identity is the local node's key pair.
type Identity struct {
	PrivKey ed25519.PrivateKey
	ID      ID
}

func GenerateIdentity() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return identityFromKey(priv)
}

func identityFromKey(priv ed25519.PrivateKey) (*Identity, error) {
	id, err := IDFromPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Identity{PrivKey: priv, ID: id}, nil
}

func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.PrivKey.Public().(ed25519.PublicKey)
}

func (i *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(i.PrivKey, data)
}

// LoadOrCreateIdentity reads a PEM-encoded PKCS#8 ed25519 key from path,
// generating and writing one when the file does not exist.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		ident, err := GenerateIdentity()
		if err != nil {
			return nil, err
		}
		if err := ident.Save(path); err != nil {
			return nil, err
		}
		return ident, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("%w: %s is not a PEM private key", core.ErrConfig, path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfig, err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not hold an ed25519 key", core.ErrConfig, path)
	}
	return identityFromKey(priv)
}

func (i *Identity) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(i.PrivKey)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600)
}
