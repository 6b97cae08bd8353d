// Package source describes the ingestion targets the reader polls or queries on demand.
package source

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrMissingID       = errors.New("source id is required")
	ErrInvalidID       = errors.New("invalid source id")
	ErrDuplicateID     = errors.New("duplicate source id")
	ErrUnknownKind     = errors.New("unknown source kind")
	ErrMissingEndpoint = errors.New("source endpoint is required")
	ErrMissingParams   = errors.New("protocol parameters missing for kind")
	ErrExtraParams     = errors.New("protocol parameters do not match kind")
	ErrInvalidParams   = errors.New("invalid protocol parameters")
)

// Kind selects the fetch strategy used for a source.
type Kind string

const (
	KindRPC           Kind = "rpc"
	KindSDK           Kind = "sdk"
	KindContractEvent Kind = "contract_event"
)

// Valid reports whether k names a known protocol kind.
func (k Kind) Valid() bool {
	switch k {
	case KindRPC, KindSDK, KindContractEvent:
		return true
	default:
		return false
	}
}

// RPC response dialects.
const (
	DialectEVM       = "evm"
	DialectCelestia  = "celestia"
	DialectBlockList = "block_list"
)

// SDK client families.
const (
	ClientSubstrate = "substrate"
	ClientEVM       = "evm"
	ClientSolana    = "solana"
)

// Source ids name ledger files and keys, so they stay within one path segment.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9_.-]*$`)

// DefaultLookback bounds contract event log queries when a source does not set one.
const DefaultLookback uint64 = 5000

// Descriptor is one configured ingestion target. Exactly one of RPC, SDK or Event
// is set and it must match Kind.
type Descriptor struct {
	ID       string `yaml:"id" json:"id"`
	Kind     Kind   `yaml:"kind" json:"kind"`
	ChainID  uint64 `yaml:"chain_id" json:"chain_id"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// StartBlock is the first height requested when the ledger has no entry yet.
	StartBlock *uint64 `yaml:"start_block,omitempty" json:"start_block,omitempty"`

	// Interval overrides the global polling interval for this source.
	Interval time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`

	RPC   *RPCParams   `yaml:"rpc,omitempty" json:"rpc,omitempty"`
	SDK   *SDKParams   `yaml:"sdk,omitempty" json:"sdk,omitempty"`
	Event *EventParams `yaml:"event,omitempty" json:"event,omitempty"`
}

// RPCParams configures a raw JSON-RPC source.
type RPCParams struct {
	Method  string `yaml:"method" json:"method"`
	Dialect string `yaml:"dialect,omitempty" json:"dialect,omitempty"`

	// AuthHeader is sent verbatim as the Authorization header.
	AuthHeader string `yaml:"auth_header,omitempty" json:"-"`
}

// SDKParams configures a source reached through a chain client library.
type SDKParams struct {
	Client string `yaml:"client" json:"client"`
	Method string `yaml:"method,omitempty" json:"method,omitempty"`
}

// EventParams configures a contract event source.
type EventParams struct {
	Contract  string       `yaml:"contract" json:"contract"`
	Signature string       `yaml:"signature" json:"signature"`
	Inputs    []EventInput `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// RootField names the decoded bytes32 input surfaced as the merkle root.
	RootField string `yaml:"root_field,omitempty" json:"root_field,omitempty"`

	// Lookback is the block window searched per query.
	Lookback uint64 `yaml:"lookback,omitempty" json:"lookback,omitempty"`
}

// EventInput describes one event argument for decoding.
type EventInput struct {
	Name    string `yaml:"name" json:"name"`
	Type    string `yaml:"type" json:"type"`
	Indexed bool   `yaml:"indexed" json:"indexed"`
}

// EventName returns the event name portion of the signature.
func (p *EventParams) EventName() string {
	if i := strings.IndexByte(p.Signature, '('); i > 0 {
		return p.Signature[:i]
	}
	return p.Signature
}

// WindowSize returns Lookback or DefaultLookback when unset.
func (p *EventParams) WindowSize() uint64 {
	if p.Lookback == 0 {
		return DefaultLookback
	}
	return p.Lookback
}

// MethodOrEvent returns the RPC/SDK method or the event signature.
func (d Descriptor) MethodOrEvent() string {
	switch d.Kind {
	case KindRPC:
		if d.RPC != nil {
			return d.RPC.Method
		}
	case KindSDK:
		if d.SDK != nil {
			return d.SDK.Method
		}
	case KindContractEvent:
		if d.Event != nil {
			return d.Event.Signature
		}
	}
	return ""
}

// Validate checks that the descriptor carries everything its kind needs.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return ErrMissingID
	}
	if !idPattern.MatchString(d.ID) {
		return fmt.Errorf("%w: %q may only contain letters, digits, '_', '-' and '.', and must not start with '.'", ErrInvalidID, d.ID)
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: %q (source %s)", ErrUnknownKind, d.Kind, d.ID)
	}
	if strings.TrimSpace(d.Endpoint) == "" {
		return fmt.Errorf("%w (source %s)", ErrMissingEndpoint, d.ID)
	}

	set := 0
	if d.RPC != nil {
		set++
	}
	if d.SDK != nil {
		set++
	}
	if d.Event != nil {
		set++
	}

	switch d.Kind {
	case KindRPC:
		if d.RPC == nil {
			return fmt.Errorf("%w: %s (source %s)", ErrMissingParams, d.Kind, d.ID)
		}
		if set > 1 {
			return fmt.Errorf("%w (source %s)", ErrExtraParams, d.ID)
		}
		return d.RPC.validate(d.ID)
	case KindSDK:
		if d.SDK == nil {
			return fmt.Errorf("%w: %s (source %s)", ErrMissingParams, d.Kind, d.ID)
		}
		if set > 1 {
			return fmt.Errorf("%w (source %s)", ErrExtraParams, d.ID)
		}
		return d.SDK.validate(d.ID)
	default:
		if d.Event == nil {
			return fmt.Errorf("%w: %s (source %s)", ErrMissingParams, d.Kind, d.ID)
		}
		if set > 1 {
			return fmt.Errorf("%w (source %s)", ErrExtraParams, d.ID)
		}
		return d.Event.validate(d.ID)
	}
}

func (p *RPCParams) validate(id string) error {
	if p.Method == "" {
		return fmt.Errorf("%w: rpc method is required (source %s)", ErrInvalidParams, id)
	}
	switch p.Dialect {
	case "", DialectEVM, DialectCelestia, DialectBlockList:
		return nil
	default:
		return fmt.Errorf("%w: unknown rpc dialect %q (source %s)", ErrInvalidParams, p.Dialect, id)
	}
}

func (p *SDKParams) validate(id string) error {
	switch p.Client {
	case ClientSubstrate, ClientEVM, ClientSolana:
		return nil
	default:
		return fmt.Errorf("%w: unknown sdk client %q (source %s)", ErrInvalidParams, p.Client, id)
	}
}

func (p *EventParams) validate(id string) error {
	if !common.IsHexAddress(p.Contract) {
		return fmt.Errorf("%w: contract %q is not an address (source %s)", ErrInvalidParams, p.Contract, id)
	}
	open := strings.IndexByte(p.Signature, '(')
	if open <= 0 || !strings.HasSuffix(p.Signature, ")") {
		return fmt.Errorf("%w: malformed event signature %q (source %s)", ErrInvalidParams, p.Signature, id)
	}
	if len(p.Inputs) > 0 {
		types := make([]string, len(p.Inputs))
		args := make(abi.Arguments, 0, len(p.Inputs))
		indexed := 0
		for i, in := range p.Inputs {
			types[i] = in.Type
			if in.Indexed {
				indexed++
			}
			typ, err := abi.NewType(in.Type, "", nil)
			if err != nil {
				return fmt.Errorf("%w: event input %s: %v (source %s)", ErrInvalidParams, in.Name, err, id)
			}
			args = append(args, abi.Argument{Name: in.Name, Type: typ, Indexed: in.Indexed})
		}
		if got := p.EventName() + "(" + strings.Join(types, ",") + ")"; got != p.Signature {
			return fmt.Errorf("%w: inputs %s do not match signature %s (source %s)", ErrInvalidParams, got, p.Signature, id)
		}
		if indexed > 3 {
			return fmt.Errorf("%w: at most 3 indexed inputs (source %s)", ErrInvalidParams, id)
		}
		name := p.EventName()
		if ev := abi.NewEvent(name, name, false, args); ev.ID != crypto.Keccak256Hash([]byte(p.Signature)) {
			return fmt.Errorf("%w: inputs hash to %s, not %s (source %s)", ErrInvalidParams, ev.Sig, p.Signature, id)
		}
	} else if err := checkSignatureTypes(p.Signature[open+1 : len(p.Signature)-1]); err != nil {
		return fmt.Errorf("%w: signature %s: %v (source %s)", ErrInvalidParams, p.Signature, err, id)
	}
	if p.RootField != "" {
		found := false
		for _, in := range p.Inputs {
			if in.Name == p.RootField {
				found = in.Type == "bytes32"
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: root_field %q must name a bytes32 input (source %s)", ErrInvalidParams, p.RootField, id)
		}
	}
	return nil
}

// checkSignatureTypes requires each type of a comma separated list to be a
// supported ABI type. Tuple types are not parsed.
func checkSignatureTypes(list string) error {
	if strings.ContainsAny(list, " \t") {
		return errors.New("signature must not contain whitespace")
	}
	if list == "" || strings.ContainsAny(list, "()") {
		return nil
	}
	for _, t := range strings.Split(list, ",") {
		if _, err := abi.NewType(t, "", nil); err != nil {
			return err
		}
	}
	return nil
}

// Set is the immutable collection of configured sources, in configuration order.
type Set struct {
	order []string
	byID  map[string]Descriptor
}

// NewSet validates every descriptor and rejects duplicate ids.
func NewSet(descs []Descriptor) (*Set, error) {
	s := &Set{
		order: make([]string, 0, len(descs)),
		byID:  make(map[string]Descriptor, len(descs)),
	}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, exists := s.byID[d.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, d.ID)
		}
		s.byID[d.ID] = d
		s.order = append(s.order, d.ID)
	}
	return s, nil
}

// Get looks up a descriptor by id.
func (s *Set) Get(id string) (Descriptor, bool) {
	d, ok := s.byID[id]
	return d, ok
}

// All returns the descriptors in configuration order.
func (s *Set) All() []Descriptor {
	out := make([]Descriptor, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Len returns the number of configured sources.
func (s *Set) Len() int {
	return len(s.order)
}
