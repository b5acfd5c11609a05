package usecase

import (
	"net"
	"testing"

	"github.com/quietrtt/pping/domain"
)

type fakeSink struct {
	samples []SampleRecord
}

func (f *fakeSink) WriteSample(rec SampleRecord) error {
	f.samples = append(f.samples, rec)
	return nil
}

type fakeMetrics struct {
	observed []float64
	forgotten []domain.FlowKey
}

func (m *fakeMetrics) Observe(srcIP, dstIP net.IP, dstPort uint16, rttMillis float64) {
	m.observed = append(m.observed, rttMillis)
}

func (m *fakeMetrics) Forget(flow domain.FlowKey) {
	m.forgotten = append(m.forgotten, flow)
}

func testEngine(cfg Config) (*Engine, *fakeSink, *fakeMetrics) {
	sink := &fakeSink{}
	metrics := &fakeMetrics{}
	if cfg.MaxFlows == 0 {
		cfg.MaxFlows = 100
	}
	if cfg.TSValMaxAge == 0 {
		cfg.TSValMaxAge = 10
	}
	if cfg.FlowMaxIdle == 0 {
		cfg.FlowMaxIdle = 300
	}
	e := NewEngine(cfg, nil, sink, metrics, nil)
	return e, sink, metrics
}

func pkt(secs int64, usec int64, srcIP, dstIP string, srcPort, dstPort uint16, syn bool, tsval, ecr uint32, size int) domain.PacketInfo {
	return domain.PacketInfo{
		CapSeconds:      secs,
		CapMicroseconds: usec,
		IsTCP:           true,
		IsIP:            true,
		SrcIP:           net.ParseIP(srcIP),
		DstIP:           net.ParseIP(dstIP),
		SrcPort:         srcPort,
		DstPort:         dstPort,
		SYN:             syn,
		HasTimestamp:    true,
		TSval:           tsval,
		ECR:             ecr,
		Size:            size,
	}
}

// establish makes a+b bi-directional by exchanging one SYN in each
// direction before the scenario under test begins.
func establish(e *Engine, aIP, bIP string, aPort, bPort uint16) {
	e.ProcessPacket(pkt(0, 0, aIP, bIP, aPort, bPort, true, 1, 0, 40))
	e.ProcessPacket(pkt(0, 0, bIP, aIP, bPort, aPort, true, 1, 1, 40))
}

func TestSimpleMatch(t *testing.T) {
	e, sink, metrics := testEngine(Config{})
	establish(e, "10.0.0.1", "10.0.0.2", 1000, 80)

	// Forward packet lands at a nonzero normalized capture time: the
	// very first packet Normalize ever sees (establish's SYN) fixes
	// the (0,0) baseline, and an entry recorded at that exact instant
	// would carry T=0.0, which the T>0 match guard treats as
	// unmatchable forever — a real, spec-faithful case, but not the
	// one this test means to exercise.
	e.ProcessPacket(pkt(0, 10000, "10.0.0.1", "10.0.0.2", 1000, 80, false, 100, 1, 60))
	e.ProcessPacket(pkt(0, 60000, "10.0.0.2", "10.0.0.1", 80, 1000, false, 1, 100, 40))

	if len(sink.samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(sink.samples))
	}
	rec := sink.samples[0]
	if rec.RTT < 0.0499 || rec.RTT > 0.0501 {
		t.Fatalf("expected rtt ~0.050, got %v", rec.RTT)
	}
	if rec.MinRTT != rec.RTT {
		t.Fatalf("expected min_rtt == rtt on first sample")
	}
	if len(metrics.observed) != 1 {
		t.Fatalf("expected 1 metrics observation, got %d", len(metrics.observed))
	}
}

func TestDuplicateECR(t *testing.T) {
	e, sink, _ := testEngine(Config{})
	establish(e, "10.0.0.1", "10.0.0.2", 1000, 80)

	e.ProcessPacket(pkt(0, 10000, "10.0.0.1", "10.0.0.2", 1000, 80, false, 100, 1, 60))
	e.ProcessPacket(pkt(0, 60000, "10.0.0.2", "10.0.0.1", 80, 1000, false, 1, 100, 40))
	e.ProcessPacket(pkt(0, 80000, "10.0.0.2", "10.0.0.1", 80, 1000, false, 1, 100, 40))

	if len(sink.samples) != 1 {
		t.Fatalf("expected still 1 sample after duplicate ECR, got %d", len(sink.samples))
	}
}

func TestDuplicateTSval(t *testing.T) {
	e, sink, _ := testEngine(Config{})
	establish(e, "10.0.0.1", "10.0.0.2", 1000, 80)

	e.ProcessPacket(pkt(0, 10000, "10.0.0.1", "10.0.0.2", 1000, 80, false, 100, 1, 60))
	e.ProcessPacket(pkt(0, 20000, "10.0.0.1", "10.0.0.2", 1000, 80, false, 100, 1, 60))
	e.ProcessPacket(pkt(0, 60000, "10.0.0.2", "10.0.0.1", 80, 1000, false, 1, 100, 40))

	if len(sink.samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(sink.samples))
	}
	if rtt := sink.samples[0].RTT; rtt < 0.0499 || rtt > 0.0501 {
		t.Fatalf("expected the oldest forward observation to win, got rtt=%v", rtt)
	}
}

func TestUnidirectionalSuppression(t *testing.T) {
	e, sink, _ := testEngine(Config{})

	e.ProcessPacket(pkt(0, 0, "10.0.0.1", "10.0.0.2", 1000, 80, true, 1, 0, 60))
	e.ProcessPacket(pkt(0, 10000, "10.0.0.1", "10.0.0.2", 1000, 80, false, 2, 0, 60))
	e.ProcessPacket(pkt(0, 20000, "10.0.0.1", "10.0.0.2", 1000, 80, false, 3, 0, 60))

	if len(sink.samples) != 0 {
		t.Fatalf("expected no samples for a purely uni-directional flow, got %d", len(sink.samples))
	}
}

func TestAgeEviction(t *testing.T) {
	e, sink, _ := testEngine(Config{TSValMaxAge: 10})
	establish(e, "10.0.0.1", "10.0.0.2", 1000, 80)

	e.ProcessPacket(pkt(0, 10000, "10.0.0.1", "10.0.0.2", 1000, 80, false, 100, 1, 60))
	e.Reap(11) // sweep before the late ECR arrives
	e.ProcessPacket(pkt(11, 0, "10.0.0.2", "10.0.0.1", 80, 1000, false, 1, 100, 40))

	if len(sink.samples) != 0 {
		t.Fatalf("expected the aged-out TSval to produce no sample, got %d", len(sink.samples))
	}
}

func TestFlowCapacity(t *testing.T) {
	e, sink, _ := testEngine(Config{MaxFlows: 2, FlowMaxIdle: 5})

	establish(e, "10.0.0.1", "10.0.0.2", 1000, 80)
	establish(e, "10.0.0.1", "10.0.0.3", 1001, 80)
	establish(e, "10.0.0.1", "10.0.0.4", 1002, 80) // refused: table full

	e.ProcessPacket(pkt(0, 100000, "10.0.0.1", "10.0.0.4", 1002, 80, false, 200, 1, 60))
	e.ProcessPacket(pkt(0, 150000, "10.0.0.4", "10.0.0.1", 80, 1002, false, 1, 200, 40))
	if len(sink.samples) != 0 {
		t.Fatalf("third flow should be refused while table is full, got %d samples", len(sink.samples))
	}

	// age out the first flow, freeing capacity for the third
	e.Reap(6)
	establish(e, "10.0.0.1", "10.0.0.4", 1002, 80)
	e.ProcessPacket(pkt(6, 0, "10.0.0.1", "10.0.0.4", 1002, 80, false, 201, 1, 60))
	e.ProcessPacket(pkt(6, 30000, "10.0.0.4", "10.0.0.1", 80, 1002, false, 1, 201, 40))
	if len(sink.samples) != 1 {
		t.Fatalf("third flow should participate once capacity frees up, got %d samples", len(sink.samples))
	}
}

func TestMinRTTMonotoneNonIncreasing(t *testing.T) {
	e, sink, _ := testEngine(Config{})
	establish(e, "10.0.0.1", "10.0.0.2", 1000, 80)

	e.ProcessPacket(pkt(0, 10000, "10.0.0.1", "10.0.0.2", 1000, 80, false, 100, 1, 60))
	e.ProcessPacket(pkt(0, 100000, "10.0.0.2", "10.0.0.1", 80, 1000, false, 1, 100, 40))

	e.ProcessPacket(pkt(1, 0, "10.0.0.1", "10.0.0.2", 1000, 80, false, 101, 1, 60))
	e.ProcessPacket(pkt(1, 20000, "10.0.0.2", "10.0.0.1", 80, 1000, false, 1, 101, 40))

	if len(sink.samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(sink.samples))
	}
	if sink.samples[1].MinRTT > sink.samples[0].MinRTT {
		t.Fatalf("min_rtt increased: %v -> %v", sink.samples[0].MinRTT, sink.samples[1].MinRTT)
	}
}

func TestReapForgetsMetricsForIdleFlow(t *testing.T) {
	e, _, metrics := testEngine(Config{FlowMaxIdle: 5})
	establish(e, "10.0.0.1", "10.0.0.2", 1000, 80)

	e.Reap(6)

	if len(metrics.forgotten) == 0 {
		t.Fatalf("expected reaper to forget the idle flow's metric labels")
	}
}
