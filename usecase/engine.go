// Package usecase implements the passive RTT correlation engine: the
// per-packet algorithm, the reaper sweep, and the capture-time-driven
// summary reporter. It depends only on domain for table/state types
// and on the small sink interfaces declared here, so it stays free of
// any capture-library or metrics-library import — those live in
// adapter, wired together in main.
package usecase

import (
	"fmt"
	"net"
	"sync"

	"github.com/quietrtt/pping/domain"
)

// SampleRecord carries everything a sink needs to render or observe
// one RTT sample, so usecase never needs to know about text
// formatting or metric label conventions.
type SampleRecord struct {
	CapTime  float64 // normalized capture time of the sample
	OffsetTm int64   // ClockNormalizer.OffsetSeconds(), to recover wall-clock
	RTT      float64
	MinRTT   float64
	FBytes   uint64
	DBytes   uint64
	PBytes   uint64
	Flow     domain.FlowKey
}

// OutputSink receives one line per RTT sample. Formatting (human vs
// machine readable) is the sink's decision, not the engine's.
type OutputSink interface {
	WriteSample(rec SampleRecord) error
}

// MetricsSink is the labeled quantile summary exported for scraping.
type MetricsSink interface {
	Observe(srcIP, dstIP net.IP, dstPort uint16, rttMillis float64)
	Forget(flow domain.FlowKey)
}

// LocalFilter reports CIDR membership for the filter_local policy.
type LocalFilter interface {
	Contains(ip net.IP) bool
}

// Diagnostics receives the periodic summary line and any
// packet-loop warnings.
type Diagnostics interface {
	Printf(format string, args ...interface{})
}

// Config holds the tunables the CLI exposes.
type Config struct {
	MaxFlows    int
	MaxPackets  int64
	MaxSeconds  float64
	Quiet       bool
	Verbose     bool
	FilterLocal bool
	SumInterval float64
	TSValMaxAge float64
	FlowMaxIdle float64
}

// Engine owns the flow table, the TSval table, the clock normalizer,
// and the counters as explicit, non-global state. A single mutex
// guards both tables: the packet loop and the reaper both take it for
// the duration of their work, coarse-grained but simple and correct.
type Engine struct {
	mu     sync.Mutex
	flows  *domain.FlowTable
	tsvals *domain.TSTable
	clock  domain.ClockNormalizer

	cfg         Config
	localFilter LocalFilter
	out         OutputSink
	metrics     MetricsSink
	diag        Diagnostics

	sumInterval  float64
	nextSummary  float64
	summaryArmed bool
	counters     counters
	totalPackets int64

	startCapTime float64
	capTime      float64
	haveStart    bool
}

// NewEngine wires an engine from its collaborators. localFilter may
// be nil if cfg.FilterLocal is false.
func NewEngine(cfg Config, localFilter LocalFilter, out OutputSink, metrics MetricsSink, diag Diagnostics) *Engine {
	sumInterval := cfg.SumInterval
	if cfg.Quiet && !cfg.Verbose {
		sumInterval = 0
	}
	return &Engine{
		flows:       domain.NewFlowTable(cfg.MaxFlows),
		tsvals:      domain.NewTSTable(),
		cfg:         cfg,
		localFilter: localFilter,
		out:         out,
		metrics:     metrics,
		diag:        diag,
		sumInterval: sumInterval,
	}
}

// ProcessPacket runs the per-packet matching algorithm for one
// parsed packet. It returns done=true once the configured packet or
// time budget (-c/-s) has been reached, at which point the caller
// should stop feeding packets and shut down.
func (e *Engine) ProcessPacket(pkt domain.PacketInfo) (done bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.counters.packets++
	e.totalPackets++

	if !pkt.IsTCP {
		e.counters.notTCP++
		return e.overBudget()
	}
	if !pkt.HasTimestamp {
		e.counters.noTimestamp++
		return e.overBudget()
	}
	// TSval == 0, or ECR == 0 on a non-SYN packet, is silently
	// unusable: not counted individually, the packet simply carries no
	// information this engine can use.
	if pkt.TSval == 0 || (pkt.ECR == 0 && !pkt.SYN) {
		return e.overBudget()
	}
	if !pkt.IsIP {
		e.counters.notV4OrV6++
		return e.overBudget()
	}

	capTm := e.clock.Normalize(pkt.CapSeconds, pkt.CapMicroseconds)
	if !e.haveStart {
		e.startCapTime = capTm
		e.haveStart = true
	}
	e.capTime = capTm

	fkey := domain.FlowKey{
		Src: domain.Endpoint{IP: pkt.SrcIP, Port: pkt.SrcPort},
		Dst: domain.Endpoint{IP: pkt.DstIP, Port: pkt.DstPort},
	}
	rkey := fkey.Reverse()

	fr, _ := e.flows.GetOrCreate(fkey)
	if fr == nil {
		// Flow table full and this is a new key: drop the packet,
		// creating no flow or TSval state.
		e.maybeSummary(capTm)
		return e.overBudget()
	}
	fr.LastSeen = capTm

	if !fr.BiDirectional {
		e.counters.uniDirectional++
		e.maybeSummary(capTm)
		return e.overBudget()
	}

	arrFwd := fr.BytesSent + uint64(pkt.Size)
	fr.BytesSent = arrFwd

	if !(e.cfg.FilterLocal && e.localFilter != nil && e.localFilter.Contains(pkt.DstIP)) {
		tsKey := domain.TSKey{Flow: fkey, TSval: pkt.TSval}
		entry := &domain.TSEntry{T: capTm, FBytes: arrFwd, DBytes: fr.BytesDeparted}
		e.tsvals.InsertIfAbsent(tsKey, entry)
	}

	matchKey := domain.TSKey{Flow: rkey, TSval: pkt.ECR}
	if entry, ok := e.tsvals.Lookup(matchKey); ok && entry.T > 0 {
		tOrig := entry.T
		rtt := capTm - tOrig
		if rtt < fr.MinRTT {
			fr.MinRTT = rtt
		}
		pBytes := arrFwd - fr.LastBytesSent
		fr.LastBytesSent = arrFwd

		if revRec, ok := e.flows.Get(rkey); ok {
			revRec.BytesDeparted = entry.FBytes
		}

		rec := SampleRecord{
			CapTime:  capTm,
			OffsetTm: e.clock.OffsetSeconds(),
			RTT:      rtt,
			MinRTT:   fr.MinRTT,
			FBytes:   entry.FBytes,
			DBytes:   entry.DBytes,
			PBytes:   pBytes,
			Flow:     fkey,
		}
		if err := e.out.WriteSample(rec); err != nil && e.diag != nil {
			e.diag.Printf("output write failed: %v", err)
		}
		if e.metrics != nil {
			e.metrics.Observe(pkt.SrcIP, pkt.DstIP, fkey.Dst.Port, rtt*1000)
		}
		e.tsvals.Consume(entry)
	}

	e.maybeSummary(capTm)
	return e.overBudget()
}

// overBudget reports whether the configured packet count (-c) or
// elapsed capture-time (-s) budget has been reached. Must be called
// with mu held.
func (e *Engine) overBudget() bool {
	if e.cfg.MaxPackets > 0 && e.totalPackets >= e.cfg.MaxPackets {
		return true
	}
	if e.cfg.MaxSeconds > 0 && e.haveStart && e.capTime-e.startCapTime >= e.cfg.MaxSeconds {
		return true
	}
	return false
}

// maybeSummary implements the capture-time-driven summary reporter.
// Must be called with mu held.
func (e *Engine) maybeSummary(capTm float64) {
	if e.sumInterval <= 0 {
		return
	}
	if capTm < e.nextSummary {
		return
	}
	if e.summaryArmed && e.diag != nil {
		e.diag.Printf("%s", e.counters.summaryLine(e.flows.Len()))
		e.counters.reset()
	}
	e.summaryArmed = true
	e.nextSummary = capTm + e.sumInterval
}

// FlowCount returns the current number of live flows.
func (e *Engine) FlowCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flows.Len()
}

// PacketCount returns the number of packets processed so far.
func (e *Engine) PacketCount() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalPackets
}

// Elapsed returns the capture-time elapsed since the first usable
// packet, or 0 if none has been seen yet.
func (e *Engine) Elapsed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.haveStart {
		return 0
	}
	return e.capTime - e.startCapTime
}

// WallNow derives "now" the way the reaper needs it: wall-clock minus
// the clock normalizer's offset second, so it lines up with
// normalized capture time for live input. Returns (0, false) before
// the first packet has set the offset.
func (e *Engine) WallNow(nowUnix float64) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.clock.Started() {
		return 0, false
	}
	return nowUnix - float64(e.clock.OffsetSeconds()), true
}

// Reap runs one sweep of both tables at reference time now (spec
// §4.5): expired TSval entries are dropped, and idle flows are
// removed with their metric label sets forgotten so they don't
// occupy metric cardinality forever.
func (e *Engine) Reap(now float64) {
	e.mu.Lock()
	e.tsvals.Sweep(now, e.cfg.TSValMaxAge)
	e.flows.SweepIdle(now, e.cfg.FlowMaxIdle, func(key domain.FlowKey, _ *domain.FlowRecord) {
		if e.metrics != nil {
			e.metrics.Forget(key)
		}
	})
	e.mu.Unlock()
}

// FinalReap forces a sweep that is guaranteed to retire all
// remaining state, by advancing now past both age thresholds (spec
// §4.5, §9): "the engine performs one final reap with an advanced
// now guaranteed to retire all state" before shutdown completes.
func (e *Engine) FinalReap() {
	e.mu.Lock()
	maxAge := e.cfg.TSValMaxAge
	if e.cfg.FlowMaxIdle > maxAge {
		maxAge = e.cfg.FlowMaxIdle
	}
	now := e.capTime + maxAge + 1
	e.mu.Unlock()
	e.Reap(now)
}

// Summary returns the human-readable diagnostic summary line.
func (e *Engine) Summary() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters.summaryLine(e.flows.Len())
}

// ShutdownLine renders the "Captured N packets in T seconds" line
// printed unconditionally at shutdown.
func (e *Engine) ShutdownLine() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	elapsed := 0.0
	if e.haveStart {
		elapsed = e.capTime - e.startCapTime
	}
	return fmt.Sprintf("Captured %d packets in %.6f seconds", e.totalPackets, elapsed)
}
