package server

import (
	"time"

	"github.com/miekg/dns"
)

// RCode extends the wire RCODE space with the synthetic codes StatsEngine
// needs to classify transport-level outcomes that never produced a wire
// response.
type RCode int

const (
	// wire RCODEs pass through unchanged (0..15 per RFC 1035/6895).
	RCodeTimeout       RCode = 1 << 16
	RCodeInternalError RCode = 1<<16 + 1
)

func RCodeFromWire(rcode int) RCode {
	return RCode(rcode)
}

func (r RCode) IsWire() bool {
	return r >= 0 && r < 1<<16
}

// Sample is one observation of a server interaction.
type Sample struct {
	Time  time.Time
	RCode RCode
	RTTMs int64
}

// Class classifies a Sample's RCode for aggregation.
type Class int

const (
	ClassSuccess Class = iota
	ClassError
	ClassTimeout
	ClassInternalError
)

func (s Sample) Class() Class {
	switch s.RCode {
	case RCodeTimeout:
		return ClassTimeout
	case RCodeInternalError:
		return ClassInternalError
	}
	switch int(s.RCode) {
	case dns.RcodeSuccess, dns.RcodeNotAuth, dns.RcodeNameError:
		return ClassSuccess
	default:
		return ClassError
	}
}
