package resolvcore

import (
	"github.com/miekg/dns"

	"github.com/mobile-dns/resolverd/internal/dottransport"
	"github.com/mobile-dns/resolverd/internal/server"
	"github.com/mobile-dns/resolverd/internal/wire"
)

// kProbeHostname is the validation worker's known-good question.
const kProbeHostname = "www.google.com."

// dispatchValidator implements privatedns.Validator by issuing the probe
// query through the real DotTransport stack. A completed wire round trip
// of any RCODE validates the server; the answer content is irrelevant,
// the question is only whether this server speaks DoT to us at all.
type dispatchValidator struct {
	dispatcher *dottransport.Dispatcher
}

func (v *dispatchValidator) ValidateServer(netId int, srv server.Server) bool {
	msg := wire.BuildQuery(kProbeHostname, dns.TypeA, dns.ClassINET, 0)
	msg.Id = 0x1234
	raw, err := wire.Pack(msg)
	if err != nil {
		return false
	}
	result := v.dispatcher.Query(srv, netId, raw, msg.Id, 0, dottransport.DialOptions{})
	return result.Code == dottransport.CodeSuccess
}
