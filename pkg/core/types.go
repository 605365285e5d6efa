package core

import (
	"fmt"
	"time"
)

// PinKind distinguishes direct pins from recursive ones.
type PinKind uint8

const (
	PinNone PinKind = iota
	PinDirect
	PinRecursive
)

func (k PinKind) String() string {
	switch k {
	case PinDirect:
		return "direct"
	case PinRecursive:
		return "recursive"
	default:
		return "none"
	}
}

// ParsePinKind accepts "direct" and "recursive".
func ParsePinKind(s string) (PinKind, error) {
	switch s {
	case "direct":
		return PinDirect, nil
	case "recursive", "":
		return PinRecursive, nil
	}
	return PinNone, fmt.Errorf("%w: unknown pin kind %q", ErrInvalidInput, s)
}

// DHTMode selects whether the node answers DHT queries.
type DHTMode string

const (
	DHTModeServer DHTMode = "server"
	DHTModeClient DHTMode = "client"
)

// Status is the snapshot polled by health checks.
type Status struct {
	PeerCount    int           `json:"peerCount"`
	StoredBlocks int           `json:"storedBlocks"`
	Uptime       time.Duration `json:"uptime"`
}
