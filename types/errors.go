package types

import (
	"errors"
	"fmt"
)

// Index errors.
var (
	// ErrDuplicateKey is returned when an insert would overwrite an existing
	// entry. The index is left unchanged.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrDuplicateHash is returned when a header with the same hash is already indexed.
	ErrDuplicateHash = fmt.Errorf("%w: hash already indexed", ErrDuplicateKey)

	// ErrDuplicateHeight is returned when another header already occupies the height.
	ErrDuplicateHeight = fmt.Errorf("%w: height already occupied", ErrDuplicateKey)

	// ErrCorruptRecord is returned when stored bytes cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrStoreClosed is returned when a closed store is used.
	ErrStoreClosed = errors.New("store closed")
)

// Header errors.
var (
	// ErrInvalidHeader is returned when header bytes do not follow the wire format.
	ErrInvalidHeader = errors.New("invalid header")

	// ErrInvalidHash is returned when a hash has the wrong length or encoding.
	ErrInvalidHash = errors.New("invalid hash")
)

// Verification errors.
var (
	// ErrFutureTimestamp is returned when a header's time is too far ahead of
	// the local clock.
	ErrFutureTimestamp = errors.New("header time is too far in the future")

	// ErrInvalidProofOfWork is returned when a header's solution does not
	// satisfy its difficulty.
	ErrInvalidProofOfWork = errors.New("invalid proof of work")
)

// Worker errors.
var (
	// ErrWorkerFailed is returned by every call to a worker whose service has
	// failed. The failure is terminal for that worker.
	ErrWorkerFailed = errors.New("worker failed")

	// ErrWorkerClosed is returned by calls made after a worker was closed.
	ErrWorkerClosed = errors.New("worker closed")

	// ErrUnexpectedResponse is returned when a service answers a request with
	// a response of the wrong kind.
	ErrUnexpectedResponse = errors.New("unexpected response")

	// ErrInvalidRequest is returned when a service is sent a request it does
	// not handle.
	ErrInvalidRequest = errors.New("invalid request")
)

// Archive errors.
var (
	// ErrInvalidArchive is returned when a header archive cannot be parsed.
	ErrInvalidArchive = errors.New("invalid header archive")
)

// Node lifecycle errors.
var (
	// ErrNodeAlreadyStarted is returned when starting a running node.
	ErrNodeAlreadyStarted = errors.New("node already started")

	// ErrNodeNotStarted is returned when stopping a node that is not running.
	ErrNodeNotStarted = errors.New("node not started")

	// ErrNodeReleased is returned when starting a node that was stopped or
	// closed.
	ErrNodeReleased = errors.New("node released")
)
