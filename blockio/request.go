// Package blockio is the admission, dispatch and completion pipeline that
// sits between a workload and a device driver.
package blockio

import (
	"fmt"
	"strings"

	"github.com/miretskiy/nvmesim/engine"
)

// RequestType is the kind of a block request.
type RequestType uint8

const (
	Read RequestType = iota
	Write
	Flush
	Trim
	numRequestTypes
)

// String returns the name used in logs and the latency log.
func (t RequestType) String() string {
	switch t {
	case Read:
		return "read"
	case Write:
		return "write"
	case Flush:
		return "flush"
	case Trim:
		return "trim"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseRequestType is the inverse of String.
func ParseRequestType(s string) (RequestType, error) {
	switch strings.ToLower(s) {
	case "read":
		return Read, nil
	case "write":
		return Write, nil
	case "flush":
		return Flush, nil
	case "trim":
		return Trim, nil
	}
	return 0, fmt.Errorf("unknown request type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t RequestType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *RequestType) UnmarshalText(b []byte) error {
	v, err := ParseRequestType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Request is one I/O as seen by the layer. Offset and Length are in bytes and
// are block aligned once the request is admitted.
type Request struct {
	Tag    uint64
	Type   RequestType
	Offset uint64
	Length uint64

	SubmitTime   engine.Tick
	DispatchTime engine.Tick
	CompleteTime engine.Tick // stamped when the driver posts the completion

	// DriverData is owned by the driver between Submit and PostCompletion.
	DriverData any
}

// Latency is the time from admission to the completion callback.
func (r *Request) Latency(now engine.Tick) engine.Tick {
	return now - r.SubmitTime
}

func (r *Request) String() string {
	return fmt.Sprintf("%s tag=%d off=%d len=%d", r.Type, r.Tag, r.Offset, r.Length)
}

// Geometry describes the device a driver exposes.
type Geometry struct {
	BlockSize uint64 `json:"blockSize"`
	Capacity  uint64 `json:"capacity"` // bytes
}

// Blocks returns the capacity in blocks.
func (g Geometry) Blocks() uint64 {
	if g.BlockSize == 0 {
		return 0
	}
	return g.Capacity / g.BlockSize
}

// Completer receives completions from a driver.
type Completer interface {
	// PostCompletion marks the request with tag as completed by the device
	// and returns the DriverData that was attached to it.
	PostCompletion(tag uint64) any
}

// Driver moves dispatched requests to a device.
type Driver interface {
	// Attach registers the layer that receives completions.
	Attach(c Completer)
	// Geometry is valid once the driver is ready.
	Geometry() Geometry
	// Submit hands a dispatched request to the device.
	Submit(r *Request)
}
