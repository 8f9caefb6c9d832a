package resolvcore

import (
	"testing"
)

func TestParseServers(t *testing.T) {
	tests := []struct {
		name  string
		addrs []string
		ok    bool
		ports []uint16
	}{
		{"plain addresses default to 53", []string{"8.8.8.8", "1.1.1.1"}, true, []uint16{53, 53}},
		{"explicit ports", []string{"8.8.8.8:5353"}, true, []uint16{5353}},
		{"ipv6 with port", []string{"[2001:db8::1]:53"}, true, []uint16{53}},
		{"malformed address", []string{"8.8.8.8", "not-an-ip"}, false, nil},
		{"malformed port", []string{"8.8.8.8:port"}, false, nil},
		{"port out of range", []string{"8.8.8.8:70000"}, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			servers, ok := parseServers(tt.addrs)
			if ok != tt.ok {
				t.Fatalf("parseServers(%v) ok = %v, expected %v", tt.addrs, ok, tt.ok)
			}
			if !ok {
				return
			}
			if len(servers) != len(tt.addrs) {
				t.Fatalf("Expected %d servers, got %d", len(tt.addrs), len(servers))
			}
			for i, srv := range servers {
				if srv.Port() != tt.ports[i] {
					t.Errorf("Server %d port = %d, expected %d", i, srv.Port(), tt.ports[i])
				}
			}
		})
	}
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams(30)
	if p.NetID != 30 {
		t.Errorf("NetID = %d, expected 30", p.NetID)
	}
	if p.SampleValidityS != 1800 {
		t.Errorf("SampleValidityS = %d, expected 1800", p.SampleValidityS)
	}
	if p.SuccessThresholdPct != 25 {
		t.Errorf("SuccessThresholdPct = %d, expected 25", p.SuccessThresholdPct)
	}
	if p.MinSamples != 4 || p.MaxSamples != 8 {
		t.Errorf("Samples = %d/%d, expected 4/8", p.MinSamples, p.MaxSamples)
	}
	if p.BaseTimeoutMs != 5000 {
		t.Errorf("BaseTimeoutMs = %d, expected 5000", p.BaseTimeoutMs)
	}
	if p.RetryCount != 2 {
		t.Errorf("RetryCount = %d, expected 2", p.RetryCount)
	}
}
