// Package domain holds the data model and table state that the passive
// RTT correlation engine reads and mutates: endpoints, flow keys and
// records, TSval keys and entries, and the clock normalizer.
package domain

import (
	"fmt"
	"math"
	"net"
)

// Endpoint is an (IP, port) pair, rendered ADDR:PORT for keying and
// for the flow strings the output sink writes.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP.String(), e.Port)
}

// FlowKey is a directional 4-tuple. Reverse() swaps source and
// destination to find the opposite direction of the same connection.
type FlowKey struct {
	Src Endpoint
	Dst Endpoint
}

func (k FlowKey) Reverse() FlowKey {
	return FlowKey{Src: k.Dst, Dst: k.Src}
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s+%s", k.Src, k.Dst)
}

// FlowRecord is the per-FlowKey aggregate state tracked for RTT
// correlation.
type FlowRecord struct {
	LastSeen      float64 // capture time of most recent packet on this FlowKey
	MinRTT        float64 // smallest RTT observed for packets departing from this flow's source side
	BytesSent     uint64  // cumulative byte count of packets on this FlowKey
	LastBytesSent uint64  // BytesSent at the last RTT emission
	BytesDeparted uint64  // BytesSent of the reverse flow at the instant a matching TSval was recorded
	BiDirectional bool    // true once the reverse FlowKey has also been observed
}

// NewFlowRecord returns a fresh record with MinRTT initialized to +Inf.
func NewFlowRecord() *FlowRecord {
	return &FlowRecord{MinRTT: math.Inf(1)}
}

// TSKey identifies one TSval observation within one directional flow.
type TSKey struct {
	Flow  FlowKey
	TSval uint32
}

func (k TSKey) String() string {
	return fmt.Sprintf("%s+%d", k.Flow, k.TSval)
}

// TSEntry is the per-TSKey record tracking one TSval observation. T is
// sign-encoded: positive means unmatched, negative means
// matched-and-consumed. The entry is retained (not deleted) on
// consumption, to block re-insertion until age expiry — see
// TSTable.Consume.
type TSEntry struct {
	T      float64 // capture time this TSval was first seen; sign-encoded
	FBytes uint64  // BytesSent of the flow at the moment this entry was created
	DBytes uint64  // BytesDeparted of the flow at the moment of creation
}

// Consumed reports whether this entry has already produced an RTT
// sample and can never produce another.
func (e *TSEntry) Consumed() bool {
	return e.T < 0
}

// Age returns now - |T|, the wall-clock age of the observation this
// entry records, independent of whether it has been consumed.
func (e *TSEntry) Age(now float64) float64 {
	return now - math.Abs(e.T)
}

// PacketInfo is the input contract for the correlation engine: one
// parsed packet, decoupled from whatever capture library produced it.
// IsTCP and IsIP let the engine classify and count packets without the
// capture adapter having to know about the classification scheme.
type PacketInfo struct {
	CapSeconds      int64
	CapMicroseconds int64
	IsTCP           bool
	IsIP            bool
	SrcIP           net.IP
	DstIP           net.IP
	SrcPort         uint16
	DstPort         uint16
	SYN             bool
	HasTimestamp    bool
	TSval           uint32
	ECR             uint32
	Size            int
}
