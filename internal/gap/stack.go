package gap

import (
	"errors"
	"fmt"
	"time"
)

// AddrType selects the own-address type used while advertising.
type AddrType uint8

const (
	AddrPublic AddrType = iota
	AddrRandom
	AddrRPAPublic // resolvable private, public identity
	AddrRPARandom // resolvable private, random identity
)

func (a AddrType) String() string {
	switch a {
	case AddrPublic:
		return "public"
	case AddrRandom:
		return "random"
	case AddrRPAPublic:
		return "rpa_public"
	case AddrRPARandom:
		return "rpa_random"
	default:
		return fmt.Sprintf("addr_type(%d)", uint8(a))
	}
}

// Identity is resolved once when advertising first starts.
type Identity struct {
	Name     string
	AddrType AddrType
}

// Stack is the part of the BLE host the Advertiser drives. None of its
// methods block; results of StartAdvertising arrive later on sink.
type Stack interface {
	InferIdentity(privacy bool) (AddrType, error)
	SetAdvFields(fields AdvFields) error
	StartAdvertising(addrType AddrType, duration time.Duration, params AdvParams, sink EventSink) error
}

// Stack operations, used in StackError.Op
const (
	OpInferIdentity = "infer_identity"
	OpSetAdvFields  = "set_adv_fields"
	OpAdvStart      = "adv_start"
)

// StackError is a failed stack call with its host return code.
type StackError struct {
	Op   string
	Code int
	Err  error
}

func (e *StackError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: rc=%d: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: rc=%d", e.Op, e.Code)
}

func (e *StackError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to match StackError values by Op
func (e *StackError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*StackError)
	if !ok {
		return false
	}
	return e.Op == t.Op
}

// Predefined sentinel errors for stack operations
var (
	ErrIdentity     = &StackError{Op: OpInferIdentity}
	ErrSetAdvFields = &StackError{Op: OpSetAdvFields}
	ErrAdvStart     = &StackError{Op: OpAdvStart}
)

// Advertiser errors
var (
	ErrNotSynced      = errors.New("stack not synced")
	ErrAlreadyStarted = errors.New("advertiser already started")
)
