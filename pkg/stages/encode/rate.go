package encode

import (
	"fmt"

	"github.com/user/avflow/pkg/pipeline"
)

// rateMonitor sums produced bits over consecutive one-second windows of
// decode time.
type rateMonitor struct {
	target    int64
	tolerance float64
	timeBase  pipeline.Rational

	windowStart int64 // microseconds
	bits        int64
	started     bool
}

func newRateMonitor(target int64, tolerance float64, tb pipeline.Rational) *rateMonitor {
	return &rateMonitor{target: target, tolerance: tolerance, timeBase: tb}
}

// add accounts pkt and returns an error wrapping pipeline.ErrEncode when the
// window it closes exceeded the target.
func (m *rateMonitor) add(pkt *pipeline.Packet) error {
	ts := pkt.DTS
	if ts == pipeline.NoPTS {
		ts = pkt.PTS
	}
	tb := pkt.TimeBase
	if !tb.Valid() {
		tb = m.timeBase
	}
	if ts == pipeline.NoPTS || !tb.Valid() {
		return nil
	}
	us := pipeline.Rescale(ts, tb, pipeline.Microseconds)

	var err error
	if !m.started {
		m.windowStart = us
		m.started = true
	} else if us-m.windowStart >= 1_000_000 {
		err = m.check()
		m.windowStart = us
		m.bits = 0
	}
	m.bits += int64(pkt.Size()) * 8
	return err
}

func (m *rateMonitor) check() error {
	limit := float64(m.target) * (1 + m.tolerance)
	if float64(m.bits) > limit {
		return fmt.Errorf("%w: CBR window produced %d bits, target %d", pipeline.ErrEncode, m.bits, m.target)
	}
	return nil
}
