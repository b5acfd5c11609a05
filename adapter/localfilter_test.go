package adapter

import (
	"net"
	"testing"
)

func TestCIDRFilterContains(t *testing.T) {
	f, err := NewCIDRFilter([]string{"10.0.0.0/8", "192.168.1.0/24"})
	if err != nil {
		t.Fatalf("NewCIDRFilter: %v", err)
	}

	cases := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"192.168.1.5", true},
		{"192.168.2.5", false},
		{"8.8.8.8", false},
	}
	for _, c := range cases {
		got := f.Contains(net.ParseIP(c.ip))
		if got != c.want {
			t.Errorf("Contains(%s) = %v, want %v", c.ip, got, c.want)
		}
	}
}

func TestCIDRFilterAddHostAddress(t *testing.T) {
	f, err := NewCIDRFilter(nil)
	if err != nil {
		t.Fatalf("NewCIDRFilter: %v", err)
	}
	ip := net.ParseIP("172.16.0.5")
	if err := f.AddHostAddress(ip); err != nil {
		t.Fatalf("AddHostAddress: %v", err)
	}
	if !f.Contains(ip) {
		t.Fatalf("expected the added host address to be contained")
	}
	if f.Contains(net.ParseIP("172.16.0.6")) {
		t.Fatalf("a single host address should not match a neighboring address")
	}
}

func TestCIDRFilterRejectsMalformed(t *testing.T) {
	if _, err := NewCIDRFilter([]string{"not-a-cidr"}); err == nil {
		t.Fatalf("expected an error for malformed CIDR input")
	}
}
