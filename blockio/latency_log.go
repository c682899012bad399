package blockio

import (
	"bufio"
	"io"
	"strconv"

	"github.com/miretskiy/nvmesim/engine"
)

// LatencyLog appends one line per completed request:
//
//	tick,type,offset,length,latency
//
// with no header. Downstream tooling parses this format.
type LatencyLog struct {
	w   *bufio.Writer
	buf []byte
	err error
}

// NewLatencyLog writes records to w. Call Flush before closing w.
func NewLatencyLog(w io.Writer) *LatencyLog {
	return &LatencyLog{w: bufio.NewWriter(w), buf: make([]byte, 0, 96)}
}

// Record writes one completed request. The first write error is kept and
// later records are dropped.
func (l *LatencyLog) Record(now engine.Tick, r *Request) {
	if l.err != nil {
		return
	}
	b := l.buf[:0]
	b = strconv.AppendUint(b, now, 10)
	b = append(b, ',')
	b = append(b, r.Type.String()...)
	b = append(b, ',')
	b = strconv.AppendUint(b, r.Offset, 10)
	b = append(b, ',')
	b = strconv.AppendUint(b, r.Length, 10)
	b = append(b, ',')
	b = strconv.AppendUint(b, r.Latency(now), 10)
	b = append(b, '\n')
	_, l.err = l.w.Write(b)
	l.buf = b
}

// Flush writes buffered records and returns the first error seen.
func (l *LatencyLog) Flush() error {
	if l.err != nil {
		return l.err
	}
	l.err = l.w.Flush()
	return l.err
}
