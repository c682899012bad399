package engine

import "fmt"

// FatalKind classifies an unrecoverable simulation error.
type FatalKind int

const (
	// FatalCausality is a broken ordering invariant: scheduling into the past,
	// or a completion for a command or tag nobody is waiting on.
	FatalCausality FatalKind = iota
	// FatalProtocol is a controller bring-up or queue protocol violation.
	FatalProtocol
	// FatalInvalidRequest is a programming error in a request (zero length).
	FatalInvalidRequest
	// FatalMemory is an access to a DMA address that is not allocated.
	FatalMemory
)

func (k FatalKind) String() string {
	switch k {
	case FatalCausality:
		return "causality"
	case FatalProtocol:
		return "protocol"
	case FatalInvalidRequest:
		return "invalid_request"
	case FatalMemory:
		return "memory"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// FatalError is the panic value for conditions that leave the clock or the
// queues in a state no later event can be trusted from.
type FatalError struct {
	Kind FatalKind
	Msg  string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal %s error: %s", e.Kind, e.Msg)
}

// Fatalf aborts the simulation. It never returns.
func Fatalf(kind FatalKind, format string, args ...any) {
	panic(&FatalError{Kind: kind, Msg: fmt.Sprintf(format, args...)})
}
