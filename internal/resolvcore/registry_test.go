package resolvcore

import (
	"testing"

	"github.com/mobile-dns/resolverd/internal/logging"
)

func TestCreateNetworkCache(t *testing.T) {
	r := NewRegistry()

	if err := r.CreateNetworkCache(30); err != nil {
		t.Fatalf("CreateNetworkCache() error = %v", err)
	}
	if err := r.CreateNetworkCache(30); err != ErrExists {
		t.Errorf("Duplicate CreateNetworkCache should return ErrExists, got %v", err)
	}

	if err := r.DestroyNetworkCache(30); err != nil {
		t.Errorf("DestroyNetworkCache() error = %v", err)
	}
	// Destroying an unknown network is not an error.
	if err := r.DestroyNetworkCache(30); err != nil {
		t.Errorf("Second DestroyNetworkCache() error = %v", err)
	}
	// The netId is free again.
	if err := r.CreateNetworkCache(30); err != nil {
		t.Errorf("CreateNetworkCache after destroy error = %v", err)
	}
}

func TestSetResolverConfigurationValidation(t *testing.T) {
	valid := DefaultParams(30)
	valid.Servers = []string{"127.0.0.53"}
	valid.Domains = []string{"example.com"}

	tests := []struct {
		name   string
		mutate func(p *NetworkParams)
	}{
		{"malformed server address", func(p *NetworkParams) { p.Servers = []string{"nope"} }},
		{"malformed tls address", func(p *NetworkParams) { p.TLSServers = []string{"nope"} }},
		{"zero min samples", func(p *NetworkParams) { p.MinSamples = 0 }},
		{"max below min", func(p *NetworkParams) { p.MaxSamples = 2; p.MinSamples = 4 }},
		{"threshold above 100", func(p *NetworkParams) { p.SuccessThresholdPct = 101 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			if err := r.CreateNetworkCache(30); err != nil {
				t.Fatal(err)
			}
			p := valid
			tt.mutate(&p)
			if err := r.SetResolverConfiguration(p); err != ErrInvalid {
				t.Errorf("Expected ErrInvalid, got %v", err)
			}
			// The rejection is atomic: the old (default) configuration is
			// untouched.
			info, ok := r.GetResolverInfo(30)
			if !ok {
				t.Fatal("Network should still exist")
			}
			if len(info.Servers) != 0 {
				t.Errorf("Rejected configuration leaked servers: %v", info.Servers)
			}
		})
	}
}

func TestSetResolverConfigurationApplies(t *testing.T) {
	r := NewRegistry()
	if err := r.CreateNetworkCache(30); err != nil {
		t.Fatal(err)
	}

	p := DefaultParams(30)
	p.Servers = []string{"127.0.0.53:53", "127.0.0.54"}
	p.Domains = []string{"example.com", "corp.example.com"}
	if err := r.SetResolverConfiguration(p); err != nil {
		t.Fatalf("SetResolverConfiguration() error = %v", err)
	}

	info, ok := r.GetResolverInfo(30)
	if !ok {
		t.Fatal("GetResolverInfo() reported missing network")
	}
	if len(info.Servers) != 2 {
		t.Errorf("Expected 2 servers, got %d", len(info.Servers))
	}
	if len(info.Domains) != 2 {
		t.Errorf("Expected 2 domains, got %d", len(info.Domains))
	}
	if info.Params.BaseTimeoutMs != 5000 {
		t.Errorf("Params not carried through: %+v", info.Params)
	}
	if info.PendingTimeoutCount != 0 {
		t.Errorf("Fresh cache should report 0 pending timeouts, got %d", info.PendingTimeoutCount)
	}
}

func TestFlushAndResize(t *testing.T) {
	r := NewRegistry()
	if err := r.FlushCache(30); err != ErrInvalid {
		t.Errorf("FlushCache on unknown network should return ErrInvalid, got %v", err)
	}
	if err := r.CreateNetworkCache(30); err != nil {
		t.Fatal(err)
	}
	if err := r.FlushCache(30); err != nil {
		t.Errorf("FlushCache() error = %v", err)
	}
	if err := r.ResizeCache(30, 16); err != nil {
		t.Errorf("ResizeCache() error = %v", err)
	}
}

func TestPrefix64DiscoveryFlags(t *testing.T) {
	r := NewRegistry()
	if err := r.StartPrefix64Discovery(30); err != ErrInvalid {
		t.Errorf("Start on unknown network should return ErrInvalid, got %v", err)
	}
	if err := r.CreateNetworkCache(30); err != nil {
		t.Fatal(err)
	}
	if err := r.StartPrefix64Discovery(30); err != nil {
		t.Errorf("StartPrefix64Discovery() error = %v", err)
	}
	if err := r.StopPrefix64Discovery(30); err != nil {
		t.Errorf("StopPrefix64Discovery() error = %v", err)
	}
}

func TestSetLogSeverity(t *testing.T) {
	for _, level := range []string{"VERBOSE", "DEBUG", "INFO", "WARNING", "ERROR"} {
		if err := SetLogSeverity(level); err != nil {
			t.Errorf("SetLogSeverity(%q) error = %v", level, err)
		}
	}
	if logging.CurrentLevel() != logging.ErrorLevel {
		t.Errorf("Expected the last severity to stick, got %v", logging.CurrentLevel())
	}
	if err := SetLogSeverity("LOUD"); err != ErrInvalid {
		t.Errorf("Unknown severity should return ErrInvalid, got %v", err)
	}
	if err := SetLogSeverity(""); err != ErrInvalid {
		t.Errorf("Empty severity should return ErrInvalid, got %v", err)
	}
	// Restore the default so other tests keep their log volume.
	_ = SetLogSeverity("WARNING")
}
