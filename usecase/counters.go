package usecase

import "fmt"

// counters tracks packet classification counts that get reported as
// aggregate totals rather than one line per occurrence, plus the raw
// packet/flow totals the summary reporter prints.
type counters struct {
	packets       int64
	notTCP        int64
	noTimestamp   int64
	notV4OrV6     int64
	uniDirectional int64
}

func (c *counters) reset() {
	*c = counters{}
}

// summaryLine renders the periodic diagnostic line, in the
// "N flows, N packets, N no TS opt, ..." style: zero counts are
// omitted entirely rather than printed as "0 foo".
func (c *counters) summaryLine(flowCount int) string {
	s := fmt.Sprintf("%d flows, %d packets, ", flowCount, c.packets)
	s += printnz(c.noTimestamp, " no TS opt, ")
	s += printnz(c.uniDirectional, " uni-directional, ")
	s += printnz(c.notTCP, " not TCP, ")
	s += printnz(c.notV4OrV6, " not v4 or v6, ")
	return s
}

func printnz(v int64, suffix string) string {
	if v <= 0 {
		return ""
	}
	return fmt.Sprintf("%d%s", v, suffix)
}
