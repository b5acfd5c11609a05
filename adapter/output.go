package adapter

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/quietrtt/pping/usecase"
)

// TextSink implements usecase.OutputSink over a buffered io.Writer,
// in either of two line formats: human-readable or machine-readable.
// It wraps a raw writer and exposes an explicit Flush rather than
// writing unbuffered.
//
// bufio.Writer has no internal locking of its own, so mu guards both
// WriteSample and Flush against the shared-buffer race that would
// otherwise occur between the packet loop and the flush driver
// calling into the sink concurrently.
type TextSink struct {
	mu              sync.Mutex
	w               *bufio.Writer
	machineReadable bool
}

// NewTextSink wraps w. machineReadable selects between the two line
// formats.
func NewTextSink(w io.Writer, machineReadable bool) *TextSink {
	return &TextSink{w: bufio.NewWriter(w), machineReadable: machineReadable}
}

// WriteSample renders one RTT sample line and buffers it for the
// flush driver to push out.
func (s *TextSink) WriteSample(rec usecase.SampleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machineReadable {
		return s.writeMachine(rec)
	}
	return s.writeHuman(rec)
}

func (s *TextSink) writeHuman(rec usecase.SampleRecord) error {
	absSeconds := rec.OffsetTm + int64(rec.CapTime)
	tstr := time.Unix(absSeconds, 0).Local().Format("15:04:05")
	_, err := fmt.Fprintf(s.w, "%s %s %s %s\n",
		tstr, formatDuration(rec.RTT), formatDuration(rec.MinRTT), rec.Flow)
	return err
}

func (s *TextSink) writeMachine(rec usecase.SampleRecord) error {
	absSeconds := rec.OffsetTm + int64(rec.CapTime)
	usec := int64((rec.CapTime - math.Floor(rec.CapTime)) * 1e6)
	_, err := fmt.Fprintf(s.w, "%d.%06d %.6f %.6f %d %d %d %s\n",
		absSeconds, usec, rec.RTT, rec.MinRTT, rec.FBytes, rec.DBytes, rec.PBytes, rec.Flow)
	return err
}

// Flush pushes any buffered output out to the underlying writer. The
// flush driver calls this on a ticker so that a block-buffered sink
// doesn't add latency for downstream consumers like tail(1).
func (s *TextSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

// formatDuration renders a duration in seconds using an SI-prefixed
// scheme for human-readable output.
func formatDuration(dt float64) string {
	prefix := ""
	if dt < 1e-3 {
		dt *= 1e6
		prefix = "u"
	} else if dt < 1 {
		dt *= 1e3
		prefix = "m"
	}

	switch {
	case dt < 10:
		return fmt.Sprintf("%.2f%ss", dt, prefix)
	case dt < 100:
		return fmt.Sprintf("%.1f%ss", dt, prefix)
	default:
		return fmt.Sprintf("%.0f%ss", dt, prefix)
	}
}
