package resolvcore

import (
	"net"

	"github.com/mobile-dns/resolverd/internal/privatedns"
)

// LookupEvent is emitted for every lookup that went upstream. A lookup
// answered from the cache, or from another caller's pending entry, emits
// no event.
type LookupEvent struct {
	NetID      int
	CallType   string
	Rcode      int
	LatencyMs  int64
	Hostname   string
	IPList     []string
	ServerUsed string
}

// ValidationEvent is emitted on every PrivateDnsConfig state transition.
type ValidationEvent struct {
	Server     string
	Validation privatedns.ValidationState
	NetID      int
}

// TelemetryObserver receives the two event shapes the core's external
// collaborators (the IPC surface, structured event logging) consume;
// both live outside this module, behind this boundary.
type TelemetryObserver interface {
	OnLookup(LookupEvent)
	OnValidation(ValidationEvent)
}

// NopTelemetry discards every event; the default observer until the IPC
// layer installs a real one.
type NopTelemetry struct{}

func (NopTelemetry) OnLookup(LookupEvent)         {}
func (NopTelemetry) OnValidation(ValidationEvent) {}

// privateDNSObserverAdapter adapts a TelemetryObserver to
// privatedns.Observer so Registry can wire validation-state callbacks
// straight into telemetry without PrivateDnsConfig knowing the telemetry
// event shape.
type privateDNSObserverAdapter struct {
	telemetry TelemetryObserver
}

func (a privateDNSObserverAdapter) OnValidationStateChanged(netId int, addr net.IP, state privatedns.ValidationState) {
	a.telemetry.OnValidation(ValidationEvent{Server: addr.String(), Validation: state, NetID: netId})
}
