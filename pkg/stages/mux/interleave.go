package mux

import (
	"context"

	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

// DefaultPriority orders media types for equal timestamps.
var DefaultPriority = []pipeline.MediaType{
	pipeline.MediaVideo,
	pipeline.MediaAudio,
	pipeline.MediaSubtitle,
	pipeline.MediaData,
}

type input struct {
	desc     pipeline.StreamDescriptor
	q        *pipeline.Queue[*pipeline.Packet]
	head     *pipeline.Packet
	headKey  int64
	lastKey  int64
	priority int
	done     bool
}

// Interleaver merges per-chain packet queues into one Muxer in timestamp
// order.
type Interleaver struct {
	m        *Muxer
	logger   ports.Logger
	priority map[pipeline.MediaType]int
	inputs   []*input
}

// NewInterleaver creates an Interleaver writing to m. Media types earlier in
// priority win timestamp ties; types not listed rank after all listed ones.
func NewInterleaver(m *Muxer, priority []pipeline.MediaType, logger ports.Logger) *Interleaver {
	if len(priority) == 0 {
		priority = DefaultPriority
	}
	p := make(map[pipeline.MediaType]int, len(priority))
	for i, t := range priority {
		if _, seen := p[t]; !seen {
			p[t] = i
		}
	}
	return &Interleaver{m: m, logger: logger, priority: p}
}

// AddInput registers the queue carrying packets of the stream desc.
func (il *Interleaver) AddInput(desc pipeline.StreamDescriptor, q *pipeline.Queue[*pipeline.Packet]) {
	prio, ok := il.priority[desc.Type]
	if !ok {
		prio = len(il.priority)
	}
	il.inputs = append(il.inputs, &input{desc: desc, q: q, priority: prio, lastKey: pipeline.NoPTS})
}

// Run writes packets until every input queue is closed. Before choosing a
// packet it waits until each live input has one queued, so the output is
// ordered by DTS across streams. On error, queued heads are released; the
// caller drains the queues once their producers have stopped.
func (il *Interleaver) Run(ctx context.Context) error {
	defer il.releaseHeads()

	for {
		for _, in := range il.inputs {
			if in.done || in.head != nil {
				continue
			}
			pkt, ok, err := in.q.Pop(ctx)
			if err != nil {
				return err
			}
			if !ok {
				in.done = true
				continue
			}
			in.head = pkt
			in.headKey = il.key(in, pkt)
		}

		next := il.pick()
		if next == nil {
			return nil
		}
		pkt := next.head
		next.head = nil
		next.lastKey = next.headKey
		if err := il.m.WritePacket(ctx, pkt); err != nil {
			return err
		}
	}
}

// key returns the packet's DTS in microseconds, falling back to PTS and then
// to the previous key of the stream.
func (il *Interleaver) key(in *input, pkt *pipeline.Packet) int64 {
	ts := pkt.DTS
	if ts == pipeline.NoPTS {
		ts = pkt.PTS
	}
	if ts == pipeline.NoPTS {
		if in.lastKey == pipeline.NoPTS {
			return 0
		}
		return in.lastKey
	}
	tb := pkt.TimeBase
	if !tb.Valid() {
		tb = in.desc.TimeBase
	}
	return pipeline.Rescale(ts, tb, pipeline.Microseconds)
}

func (il *Interleaver) pick() *input {
	var best *input
	for _, in := range il.inputs {
		if in.head == nil {
			continue
		}
		if best == nil || il.before(in, best) {
			best = in
		}
	}
	return best
}

func (il *Interleaver) before(a, b *input) bool {
	if a.headKey != b.headKey {
		return a.headKey < b.headKey
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.desc.Index < b.desc.Index
}

func (il *Interleaver) releaseHeads() {
	for _, in := range il.inputs {
		if in.head != nil {
			in.head.Release()
			in.head = nil
		}
	}
}
