package adapter

import (
	"fmt"
	"net"

	"github.com/kentik/patricia"
	"github.com/kentik/patricia/generics_tree"
)

// CIDRFilter implements usecase.LocalFilter with a pair of patricia
// tries (v4/v6) for longest-prefix-match membership testing.
// Membership here is a simple boolean tag rather than an arbitrary
// value.
type CIDRFilter struct {
	v4 *generics_tree.TreeV4[bool]
	v6 *generics_tree.TreeV6[bool]
}

// NewCIDRFilter builds a filter from a set of CIDR strings (the
// repeatable -L flag). It fails fast with an error on the first
// malformed range.
func NewCIDRFilter(cidrs []string) (*CIDRFilter, error) {
	f := &CIDRFilter{
		v4: generics_tree.NewTreeV4[bool](),
		v6: generics_tree.NewTreeV6[bool](),
	}
	for _, c := range cidrs {
		if err := f.add(c); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *CIDRFilter) add(cidr string) error {
	ipV4, ipV6, err := patricia.ParseIPFromString(cidr)
	if err != nil {
		return fmt.Errorf("%q is not valid CIDR notation: %w", cidr, err)
	}
	if ipV4 != nil {
		f.v4.Set(*ipV4, true)
	} else {
		f.v6.Set(*ipV6, true)
	}
	return nil
}

// AddHostAddress adds a single address (e.g. a live interface's own
// IP) as a /32 or /128 local range. patricia.ParseIPFromString applied
// to a bare address (no "/" suffix) treats it as a full-length prefix,
// so this is a plain single-address insert.
func (f *CIDRFilter) AddHostAddress(ip net.IP) error {
	return f.add(ip.String())
}

// Contains reports whether ip falls within any configured range.
func (f *CIDRFilter) Contains(ip net.IP) bool {
	ipV4, ipV6, err := patricia.ParseIPFromString(ip.String())
	if err != nil {
		return false
	}
	if ipV4 != nil {
		found, _ := f.v4.FindDeepestTag(*ipV4)
		return found
	}
	found, _ := f.v6.FindDeepestTag(*ipV6)
	return found
}
