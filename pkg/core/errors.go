package core

import (
	"errors"
)

var (
	ErrNotFound     = errors.New("blobnet: not found")
	ErrIntegrity    = errors.New("blobnet: integrity check failed")
	ErrConnection   = errors.New("blobnet: connection failed")
	ErrTimeout      = errors.New("blobnet: operation timed out")
	ErrConfig       = errors.New("blobnet: invalid configuration")
	ErrInvalidInput = errors.New("blobnet: invalid input")
	ErrClosed       = errors.New("blobnet: closed")
)
