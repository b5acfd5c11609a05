package domain

// FlowTable is keyed by FlowKey and tracks per-flow aggregate state.
// It is not safe for concurrent use on its own: callers (usecase.Engine)
// hold a single lock shared with the TSval table for the duration of
// any FlowTable method call.
type FlowTable struct {
	flows    map[FlowKey]*FlowRecord
	maxFlows int
}

// NewFlowTable returns an empty table capped at maxFlows entries. A
// maxFlows of 0 means unbounded.
func NewFlowTable(maxFlows int) *FlowTable {
	return &FlowTable{
		flows:    make(map[FlowKey]*FlowRecord),
		maxFlows: maxFlows,
	}
}

// GetOrCreate returns the record for key, creating it if absent. If
// the table is at capacity and key is new, it returns (nil, false):
// the caller must drop the packet without creating any flow or TSval
// state. On creation, if the reverse key is already present, both
// records are marked bi-directional atomically.
func (t *FlowTable) GetOrCreate(key FlowKey) (rec *FlowRecord, created bool) {
	if rec, ok := t.flows[key]; ok {
		return rec, false
	}
	if t.maxFlows > 0 && len(t.flows) >= t.maxFlows {
		return nil, false
	}

	rec = NewFlowRecord()
	t.flows[key] = rec

	if rev, ok := t.flows[key.Reverse()]; ok {
		rev.BiDirectional = true
		rec.BiDirectional = true
	}

	return rec, true
}

// Get returns the record for key without creating it.
func (t *FlowTable) Get(key FlowKey) (*FlowRecord, bool) {
	rec, ok := t.flows[key]
	return rec, ok
}

// Len returns the current flow count.
func (t *FlowTable) Len() int {
	return len(t.flows)
}

// SweepIdle removes every flow whose LastSeen is more than maxIdle
// seconds before now, invoking onEvict for each removed key/record so
// the caller can retire dependent state (e.g. metric label sets)
// before the next packet can recreate the key.
func (t *FlowTable) SweepIdle(now, maxIdle float64, onEvict func(FlowKey, *FlowRecord)) int {
	var evicted []FlowKey
	for k, rec := range t.flows {
		if now-rec.LastSeen > maxIdle {
			evicted = append(evicted, k)
		}
	}
	for _, k := range evicted {
		rec := t.flows[k]
		delete(t.flows, k)
		if onEvict != nil {
			onEvict(k, rec)
		}
	}
	return len(evicted)
}
