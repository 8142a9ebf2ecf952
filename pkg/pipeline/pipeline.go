// Package pipeline runs the middlebox engine: hash-steered dispatch of
// frames to per-context workers, each of which owns its flow table and
// node pools and processes packets run-to-completion. In-order
// segments pass through the payload editor and the finalizer before
// reaching the egress processor.
package pipeline

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irctrakz/tcpmbox/pkg/core"
	"github.com/irctrakz/tcpmbox/pkg/flow"
	"github.com/irctrakz/tcpmbox/pkg/logging"
	"github.com/irctrakz/tcpmbox/pkg/mempool"
	"github.com/irctrakz/tcpmbox/pkg/reorder"
	"github.com/irctrakz/tcpmbox/pkg/rewrite"
	"github.com/irctrakz/tcpmbox/pkg/stream"
)

// Config sizes the pipeline.
type Config struct {
	// Contexts is the number of processing contexts (workers). Both
	// directions of a flow always land on the same context.
	Contexts int
	// QueueCapacity bounds each context's ingest channel; a full
	// queue drops, never blocks.
	QueueCapacity int
	// ReorderPolicy selects direct or merge insertion.
	ReorderPolicy reorder.Policy
	// ReorderPoolSize is the per-context reorder node pool capacity.
	ReorderPoolSize int
	// ModPoolSize is the per-context modification node pool capacity.
	ModPoolSize int
	// IdleTimeout evicts flows with no traffic for this long. Zero
	// disables eviction.
	IdleTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Contexts <= 0 {
		c.Contexts = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1000
	}
	if c.ReorderPoolSize <= 0 {
		c.ReorderPoolSize = 1024
	}
	if c.ModPoolSize <= 0 {
		c.ModPoolSize = 256
	}
}

// procContext is one processing context: a worker goroutine with
// exclusive ownership of its flow table and node arenas.
type procContext struct {
	id           int
	pl           *Pipeline
	ch           chan *core.TCPPacket
	table        *flow.Table
	reorderArena *reorder.NodeArena
	modArena     *stream.ModNodeArena
	finalizer    *rewrite.Finalizer
	editDrops    uint64
}

// Pipeline owns the contexts and the dispatch hash.
type Pipeline struct {
	cfg    Config
	editor rewrite.Editor
	egress core.PacketProcessor
	ctxs   []*procContext
	stopCh chan struct{}
	wg     sync.WaitGroup

	packetsIn      uint64
	parseErrors    uint64
	queueFullDrops uint64
	reorderDrops   uint64
}

// New builds a pipeline. editor may be nil for a pass-through
// middlebox that only normalizes segment order.
func New(cfg Config, editor rewrite.Editor, egress core.PacketProcessor) *Pipeline {
	cfg.applyDefaults()
	pl := &Pipeline{
		cfg:    cfg,
		editor: editor,
		egress: egress,
		stopCh: make(chan struct{}),
	}
	for i := 0; i < cfg.Contexts; i++ {
		ctx := &procContext{
			id:           i,
			pl:           pl,
			ch:           make(chan *core.TCPPacket, cfg.QueueCapacity),
			reorderArena: reorder.NewNodeArena(cfg.ReorderPoolSize),
			modArena:     stream.NewModNodeArena(cfg.ModPoolSize),
			finalizer:    rewrite.NewFinalizer(),
		}
		ctx.table = flow.NewTable(ctx.reorderArena, cfg.ReorderPolicy, ctx.sinkFor)
		pl.ctxs = append(pl.ctxs, ctx)
	}
	return pl
}

// Start launches the context workers.
func (pl *Pipeline) Start() error {
	pl.wg.Add(len(pl.ctxs))
	for _, ctx := range pl.ctxs {
		go ctx.run()
	}
	logging.Infof("pipeline started with %d contexts", len(pl.ctxs))
	return nil
}

// Stop drains the workers and waits for them to finish.
func (pl *Pipeline) Stop() error {
	close(pl.stopCh)
	pl.wg.Wait()
	logging.Infof("pipeline stopped")
	return nil
}

// Inject parses a raw IPv4 frame and dispatches it to the owning
// context. The frame is copied into a pooled buffer; the caller may
// reuse its own immediately.
func (pl *Pipeline) Inject(frame []byte) error {
	buf := core.NewFrameBuf(frame)
	p, err := core.ParseTCPPacket(buf)
	if err != nil {
		atomic.AddUint64(&pl.parseErrors, 1)
		if mempool.ShouldPut(buf) {
			mempool.PutBuf(buf)
		}
		return err
	}
	ctx := pl.ctxs[pl.steer(p)]
	select {
	case ctx.ch <- p:
		atomic.AddUint64(&pl.packetsIn, 1)
		return nil
	default:
		atomic.AddUint64(&pl.queueFullDrops, 1)
		core.ReleaseTCPPacket(p)
		return fmt.Errorf("packet dropped: context %d queue is full", ctx.id)
	}
}

// steer hashes the canonical flow identity so both directions of a
// connection map to the same context.
func (pl *Pipeline) steer(p *core.TCPPacket) int {
	k := flow.KeyFromPacket(p)
	rk := k.Reverse()
	if keyLess(rk, k) {
		k = rk
	}
	h := fnv.New32a()
	h.Write(k.SrcIP[:])
	h.Write(k.DstIP[:])
	h.Write([]byte{byte(k.SrcPort >> 8), byte(k.SrcPort), byte(k.DstPort >> 8), byte(k.DstPort)})
	return int(h.Sum32() % uint32(len(pl.ctxs)))
}

func keyLess(a, b flow.Key) bool {
	for i := 0; i < 4; i++ {
		if a.SrcIP[i] != b.SrcIP[i] {
			return a.SrcIP[i] < b.SrcIP[i]
		}
	}
	if a.SrcPort != b.SrcPort {
		return a.SrcPort < b.SrcPort
	}
	for i := 0; i < 4; i++ {
		if a.DstIP[i] != b.DstIP[i] {
			return a.DstIP[i] < b.DstIP[i]
		}
	}
	return a.DstPort < b.DstPort
}

// run is the context worker loop: run-to-completion per packet, with
// periodic idle-flow eviction when configured.
func (ctx *procContext) run() {
	defer ctx.pl.wg.Done()
	logging.Debugf("context %d started", ctx.id)

	var evict <-chan time.Time
	if ctx.pl.cfg.IdleTimeout > 0 {
		t := time.NewTicker(ctx.pl.cfg.IdleTimeout / 2)
		defer t.Stop()
		evict = t.C
	}

	for {
		select {
		case <-ctx.pl.stopCh:
			logging.Debugf("context %d stopped", ctx.id)
			return
		case now := <-evict:
			ctx.table.EvictIdle(now, ctx.pl.cfg.IdleTimeout)
		case p := <-ctx.ch:
			ctx.process(p)
		}
	}
}

// process handles one packet end to end: flow lookup, reordering, and
// for each emitted in-order segment, editing and finalization.
func (ctx *procContext) process(p *core.TCPPacket) {
	now := time.Now()
	fs, dir := ctx.table.Lookup(flow.KeyFromPacket(p), now)
	fs.Touch(now)
	fs.NoteFlags(dir, p)

	if err := fs.Reorderer(dir).Submit(p); err != nil {
		atomic.AddUint64(&ctx.pl.reorderDrops, 1)
	}

	if fs.Done() && fs.Reorderer(dir).Pending() == 0 && fs.Reorderer(dir.Other()).Pending() == 0 {
		ctx.table.Remove(fs)
	}
}

// sinkFor builds the emission target the reorderer pushes in-order
// segments into for one flow direction.
func (ctx *procContext) sinkFor(fs *flow.FlowState, dir flow.Direction) core.PacketProcessor {
	return core.ProcessorFunc(func(p *core.TCPPacket) error {
		return ctx.finish(fs, dir, p)
	})
}

func (ctx *procContext) finish(fs *flow.FlowState, dir flow.Direction, p *core.TCPPacket) error {
	var list *stream.ModificationList

	if ctx.pl.editor != nil && p.PayloadLen() > 0 {
		// The high-water mark lives in the original sequence space, so
		// the segment end must be taken before any edit resizes it.
		end := p.EndSeq()
		if fs.Edited(dir, end) {
			// Retransmission of an edited range: re-apply the
			// deterministic edits for byte consistency, but never
			// commit them again.
			scratch := stream.NewModificationList(ctx.modArena)
			if err := ctx.pl.editor.Edit(p, scratch); err != nil {
				scratch.Clear()
				ctx.editDrops++
				core.ReleaseTCPPacket(p)
				return nil
			}
			scratch.Clear()
		} else {
			list = stream.NewModificationList(ctx.modArena)
			if err := ctx.pl.editor.Edit(p, list); err != nil {
				// Edit failure (e.g. node pool exhausted): drop the
				// packet rather than transmit a half-edited stream.
				list.Clear()
				ctx.editDrops++
				logging.Warnf("context %d: edit failed, packet seq=%d dropped: flow=%s", ctx.id, p.Seq(), fs.Key)
				core.ReleaseTCPPacket(p)
				return nil
			}
			fs.MarkEdited(dir, end)
		}
	}

	if err := ctx.finalizer.Finalize(fs, dir, p, list); err != nil {
		return err
	}
	return ctx.pl.egress.ProcessPacket(p)
}

// Metrics returns pipeline counters, aggregated across contexts.
func (pl *Pipeline) Metrics() map[string]uint64 {
	m := map[string]uint64{
		"packetsIn":      atomic.LoadUint64(&pl.packetsIn),
		"parseErrors":    atomic.LoadUint64(&pl.parseErrors),
		"queueFullDrops": atomic.LoadUint64(&pl.queueFullDrops),
		"reorderDrops":   atomic.LoadUint64(&pl.reorderDrops),
	}
	var flows, created, evicted, commits, poolFails, editDrops uint64
	for _, ctx := range pl.ctxs {
		flows += uint64(ctx.table.Len())
		created += ctx.table.Created()
		evicted += ctx.table.Evicted()
		commits += ctx.finalizer.Commits()
		poolFails += ctx.reorderArena.Failures() + ctx.modArena.Failures()
		editDrops += ctx.editDrops
	}
	m["flowsLive"] = flows
	m["flowsCreated"] = created
	m["flowsEvicted"] = evicted
	m["commits"] = commits
	m["poolFailures"] = poolFails
	m["editDrops"] = editDrops
	return m
}
