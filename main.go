package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quietrtt/pping/adapter"
	"github.com/quietrtt/pping/usecase"
)

// cidrList collects repeated -L flags into a []string, the way
// flag.Value implementations do for repeatable options.
type cidrList []string

func (l *cidrList) String() string {
	return strings.Join(*l, ",")
}

func (l *cidrList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	var (
		iface       = flag.String("i", "", "capture live on the named interface")
		traceFile   = flag.String("r", "", "read packets from a trace file instead of a live interface")
		extraFilter = flag.String("f", "", "extra BPF expression, conjoined with the base \"tcp\" filter")
		maxPackets  = flag.Int64("c", 0, "stop after this many packets (0: unbounded)")
		maxSeconds  = flag.Float64("s", 0, "stop after this many seconds of capture time (0: unbounded)")
		quiet       = flag.Bool("q", false, "suppress the periodic summary report")
		verbose     = flag.Bool("v", false, "print the periodic summary report even if -q was also given")
		noLocal     = flag.Bool("l", false, "disable local-address filtering of forward TSval recording")
		machine     = flag.Bool("m", false, "machine-readable output")
		sumInt      = flag.Float64("sumInt", 10, "summary report interval, in seconds")
		tsvalMaxAge = flag.Float64("tsvalMaxAge", 10, "max age of an unmatched TSval, in seconds")
		flowMaxIdle = flag.Float64("flowMaxIdle", 300, "flows idle longer than this many seconds are forgotten")
		listenAddr  = flag.String("a", ":9876", "HTTP listen address for the Prometheus scrape endpoint")
		maxFlows    = flag.Int("maxFlows", 10000, "maximum number of concurrently tracked flows")
		help        = flag.Bool("h", false, "print usage and exit")
	)
	var localRanges cidrList
	flag.Var(&localRanges, "L", "CIDR range to treat as local (repeatable)")

	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}

	liveInput := *iface != ""
	fname := *iface
	if !liveInput {
		fname = *traceFile
	}
	if fname == "" || (*iface != "" && *traceFile != "") {
		fmt.Fprintln(os.Stderr, "exactly one of -i (interface) or -r (trace file) is required")
		flag.Usage()
		os.Exit(1)
	}

	filterLocal := !*noLocal
	filter := "tcp"
	if *extraFilter != "" {
		filter += " and (" + *extraFilter + ")"
	}

	cidrFilter, err := adapter.NewCIDRFilter([]string(localRanges))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad -L range: %v\n", err)
		os.Exit(1)
	}

	if filterLocal && liveInput {
		if addr, addrErr := interfaceAddr(fname); addrErr == nil {
			cidrFilter.AddHostAddress(addr)
		} else if len(localRanges) == 0 {
			log.Printf("WARNING: unable to determine local address of %s, disabling local filtering", fname)
			filterLocal = false
		}
	}

	var source *adapter.PacketSource
	if liveInput {
		source, err = adapter.OpenLive(fname, filter)
	} else {
		source, err = adapter.OpenOffline(fname, filter)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "couldn't open %s: %v\n", fname, err)
		os.Exit(1)
	}
	defer source.Close()

	registry := prometheus.NewRegistry()
	metricsExporter := adapter.NewMetricsExporter(registry, *flowMaxIdle)
	go serveMetrics(*listenAddr, registry)

	textSink := adapter.NewTextSink(os.Stdout, *machine)

	cfg := usecase.Config{
		MaxFlows:    *maxFlows,
		MaxPackets:  *maxPackets,
		MaxSeconds:  *maxSeconds,
		Quiet:       *quiet,
		Verbose:     *verbose,
		FilterLocal: filterLocal,
		SumInterval: *sumInt,
		TSValMaxAge: *tsvalMaxAge,
		FlowMaxIdle: *flowMaxIdle,
	}
	engine := usecase.NewEngine(cfg, cidrFilter, textSink, metricsExporter, stderrDiagnostics{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	reaperInterval := time.Duration(*tsvalMaxAge * float64(time.Second))
	if reaperInterval <= 0 {
		reaperInterval = time.Second
	}
	wg.Add(1)
	go runReaper(ctx, &wg, engine, reaperInterval)

	flushInterval := time.Second
	if liveInput && *machine {
		flushInterval = time.Millisecond
	}
	wg.Add(1)
	go runFlusher(ctx, &wg, textSink, flushInterval)

	packetLoop(ctx, source, engine)

	// The packet loop can exit on its own (EOF, -c/-s budget) without
	// the termination signal ever firing; cancel explicitly so the
	// reaper and flusher stop before the final flush.
	stop()
	wg.Wait()

	engine.FinalReap()
	textSink.Flush()
	log.Print(engine.ShutdownLine())
}

// packetLoop drives the capture source synchronously: it owns every
// write to the flow and TSval tables via the engine's packet-
// processing entry point, and stops on the first of context
// cancellation, budget exhaustion, or source exhaustion/error.
func packetLoop(ctx context.Context, source *adapter.PacketSource, engine *usecase.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pkt, err, ok := source.Next()
		if !ok {
			if err != nil {
				log.Printf("capture error: %v", err)
			}
			return
		}
		if engine.ProcessPacket(*pkt) {
			return
		}
	}
}

// runReaper sweeps expired TSval entries and idle flows every
// tsvalMaxAge seconds of real wall-clock time, using wall time minus
// the clock normalizer's offset as "now".
// It exits and signals wg once ctx is cancelled, so main can join it
// before performing the final reap itself.
func runReaper(ctx context.Context, wg *sync.WaitGroup, engine *usecase.Engine, interval time.Duration) {
	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if now, ok := engine.WallNow(float64(time.Now().Unix())); ok {
				engine.Reap(now)
			}
		}
	}
}

// runFlusher pushes buffered output out on a sub-second cadence so
// downstream consumers like tail(1) see samples promptly. It
// exits and signals wg once ctx is cancelled, so main can join it
// before the final flush.
func runFlusher(ctx context.Context, wg *sync.WaitGroup, sink *adapter.TextSink, interval time.Duration) {
	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sink.Flush()
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", adapter.HandlerFor(reg))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics listener stopped: %v", err)
	}
}

// interfaceAddr returns the first usable IPv4/IPv6 address bound to
// the named interface, so filter_local has something to seed from on
// a live capture.
func interfaceAddr(name string) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			return ipnet.IP, nil
		}
	}
	return nil, fmt.Errorf("no usable address on %s", name)
}

type stderrDiagnostics struct{}

func (stderrDiagnostics) Printf(format string, args ...interface{}) {
	log.Printf(format, args...)
}
