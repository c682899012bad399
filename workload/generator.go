// Package workload decides what I/O to issue: request types, sizes and
// addresses. Generators drive a block layer through Submitter and learn about
// completions through OnComplete.
package workload

import (
	"github.com/miretskiy/nvmesim/blockio"
)

// Submitter is the part of the block layer a generator uses.
type Submitter interface {
	SubmitRequest(t blockio.RequestType, offset, length uint64) bool
	Geometry() blockio.Geometry
}

// Generator produces requests until its own limit is reached and then calls
// the done function passed to Init exactly once.
type Generator interface {
	// Init binds the generator to a submitter. The device geometry is read
	// once here.
	Init(s Submitter, done func())
	// Start issues the first requests.
	Start()
	// OnComplete is called for every completed request.
	OnComplete(r *blockio.Request)
	// Stats reports what the generator issued.
	Stats() Stats
}

// Stats counts generator activity.
type Stats struct {
	Issued    uint64 `json:"issued"`
	Completed uint64 `json:"completed"`
	Refused   uint64 `json:"refused"`
	Bytes     uint64 `json:"bytes"`
	Reads     uint64 `json:"reads"`
	Writes    uint64 `json:"writes"`
	Flushes   uint64 `json:"flushes"`
	Trims     uint64 `json:"trims"`
}
