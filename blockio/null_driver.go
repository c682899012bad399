package blockio

import (
	"github.com/miretskiy/nvmesim/engine"
)

// NullDriver completes every request after a fixed Latency without touching
// any device. With zero latency requests complete in the tick they are
// dispatched, which isolates the layer's own latency model.
type NullDriver struct {
	Latency engine.Tick
	Geo     Geometry

	eng       *engine.Engine
	completer Completer
	event     engine.Event
	due       []nullPending
}

type nullPending struct {
	tag uint64
	at  engine.Tick
}

var _ Driver = (*NullDriver)(nil)

// NewNullDriver creates a driver exposing geo.
func NewNullDriver(eng *engine.Engine, geo Geometry, latency engine.Tick) *NullDriver {
	d := &NullDriver{Latency: latency, Geo: geo, eng: eng}
	d.event = eng.CreateEvent("blockio.null_complete", d.fire)
	return d
}

// Attach implements Driver.
func (d *NullDriver) Attach(c Completer) { d.completer = c }

// Geometry implements Driver.
func (d *NullDriver) Geometry() Geometry { return d.Geo }

// Submit implements Driver.
func (d *NullDriver) Submit(r *Request) {
	at := d.eng.Now() + d.Latency
	d.due = append(d.due, nullPending{tag: r.Tag, at: at})
	if !d.eng.IsScheduled(d.event) {
		d.eng.Schedule(d.event, 0, at)
	}
}

// fire completes everything due. Latency is fixed, so due is in tick order.
func (d *NullDriver) fire(now engine.Tick, _ uint64) {
	for len(d.due) > 0 && d.due[0].at <= now {
		tag := d.due[0].tag
		d.due = d.due[1:]
		d.completer.PostCompletion(tag)
	}
	if len(d.due) > 0 {
		d.eng.Schedule(d.event, 0, d.due[0].at)
	}
}
