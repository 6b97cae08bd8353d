package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrorKind classifies fetch failures.
type ErrorKind string

const (
	KindNetwork       ErrorKind = "network"
	KindProtocol      ErrorKind = "protocol"
	KindNotFound      ErrorKind = "not_found"
	KindDecode        ErrorKind = "decode"
	KindUnknownSource ErrorKind = "unknown_source"
)

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrNetwork       = errors.New("network error")
	ErrProtocol      = errors.New("protocol error")
	ErrNotFound      = errors.New("not found")
	ErrDecode        = errors.New("decode error")
	ErrUnknownSource = errors.New("unknown source")
)

var kindSentinels = map[ErrorKind]error{
	KindNetwork:       ErrNetwork,
	KindProtocol:      ErrProtocol,
	KindNotFound:      ErrNotFound,
	KindDecode:        ErrDecode,
	KindUnknownSource: ErrUnknownSource,
}

// Error is returned by every strategy and by the orchestrator's on-demand path.
type Error struct {
	Kind     ErrorKind
	SourceID string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("source %s: %s", e.SourceID, e.Kind)
	}
	return fmt.Sprintf("source %s: %s: %v", e.SourceID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets callers match on kind with the package sentinels.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, sourceID string, err error) *Error {
	return &Error{Kind: kind, SourceID: sourceID, Err: err}
}

// KindOf extracts the kind of a fetch error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// classify maps transport and client errors onto the fetch taxonomy.
func classify(sourceID string, err error) error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	var de *decodeError
	if errors.As(err, &de) || errors.Is(err, ErrDecode) {
		return NewError(KindDecode, sourceID, err)
	}
	if errors.Is(err, ErrProtocol) {
		return NewError(KindProtocol, sourceID, err)
	}

	if errors.Is(err, ErrNotFound) || errors.Is(err, ethereum.NotFound) || errors.Is(err, rpc.ErrNoResult) {
		return NewError(KindNotFound, sourceID, err)
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return NewError(KindNetwork, sourceID, err)
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if strings.Contains(strings.ToLower(rpcErr.Error()), "not found") {
			return NewError(KindNotFound, sourceID, err)
		}
		return NewError(KindProtocol, sourceID, err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return NewError(KindDecode, sourceID, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(KindNetwork, sourceID, err)
	}

	return NewError(KindNetwork, sourceID, err)
}
