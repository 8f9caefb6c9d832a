package resolvcore

import (
	"net"

	"github.com/zhouchenh/go-descriptor"

	"github.com/mobile-dns/resolverd/internal/common"
)

// The IPC surface delivers setResolverConfiguration as a decoded but
// untyped payload (a JSON/binder object unmarshalled into nested
// map[string]interface{} values). The descriptors below fill the typed
// configuration structs from that shape, supplying the stock defaults for
// omitted tunables.

// addressFillerKind is the shared string->net.IP conversion the fillers
// below register for address-typed fields.
var addressFillerKind = descriptor.ConvertibleKind{
	Kind: descriptor.KindString,
	ConvertFunction: func(original interface{}) (converted interface{}, ok bool) {
		str, isString := original.(string)
		if !isString {
			return nil, false
		}
		ip := common.ParseIPv4v6(str)
		if ip == nil {
			return nil, false
		}
		return ip, true
	},
}

// JSON numbers decode as float64; configuration tunables are non-negative
// integers.
var intFillerKind = descriptor.ConvertibleKind{
	Kind: descriptor.KindFloat64,
	ConvertFunction: func(original interface{}) (converted interface{}, ok bool) {
		f, isFloat := original.(float64)
		if !isFloat || f < 0 || f != float64(int(f)) {
			return nil, false
		}
		return int(f), true
	},
}

var int64FillerKind = descriptor.ConvertibleKind{
	Kind: descriptor.KindFloat64,
	ConvertFunction: func(original interface{}) (converted interface{}, ok bool) {
		f, isFloat := original.(float64)
		if !isFloat || f < 0 || f != float64(int64(f)) {
			return nil, false
		}
		return int64(f), true
	},
}

var typeOfTLSServerEntry = descriptor.TypeOfNew(new(*tlsServerEntry))

// tlsServerEntry is the per-entry shape a tlsServers[] element takes
// (address plus an optional per-server SHA-256 fingerprint pin).
type tlsServerEntry struct {
	Address     net.IP
	Fingerprint string
}

func (e *tlsServerEntry) Type() descriptor.Type { return typeOfTLSServerEntry }
func (e *tlsServerEntry) TypeName() string      { return "tlsServer" }

var tlsServerDescriptor = &descriptor.Descriptor{
	Type: typeOfTLSServerEntry,
	Filler: descriptor.Fillers{
		descriptor.ObjectFiller{
			ObjectPath: descriptor.Path{"Address"},
			ValueSource: descriptor.ObjectAtPath{
				ObjectPath:     descriptor.Path{"address"},
				AssignableKind: addressFillerKind,
			},
		},
		descriptor.ObjectFiller{
			ObjectPath: descriptor.Path{"Fingerprint"},
			ValueSource: descriptor.ValueSources{
				descriptor.ObjectAtPath{
					ObjectPath:     descriptor.Path{"fingerprint"},
					AssignableKind: descriptor.KindString,
				},
				descriptor.DefaultValue{Value: ""},
			},
		},
	},
}

// ParseTLSServerEntry fills one tlsServers[] element off the payload,
// returning the parsed address and fingerprint, or ok=false if the entry
// doesn't describe a valid address.
func ParseTLSServerEntry(raw interface{}) (addr net.IP, fingerprint string, ok bool) {
	described, s, f := tlsServerDescriptor.Describe(raw)
	if s < 1 || f > 0 {
		return nil, "", false
	}
	entry, valid := described.(*tlsServerEntry)
	if !valid || entry.Address == nil {
		return nil, "", false
	}
	return entry.Address, entry.Fingerprint, true
}

var typeOfResolverConfigPayload = descriptor.TypeOfNew(new(*resolverConfigPayload))

// resolverConfigPayload is the scalar core of a setResolverConfiguration
// payload; the list-valued fields (servers, domains, tlsServers) are
// walked element by element in ParseResolverConfiguration.
type resolverConfigPayload struct {
	NetID               int
	SampleValidityS     int
	SuccessThresholdPct int
	MinSamples          int
	MaxSamples          int
	BaseTimeoutMs       int64
	RetryCount          int
	TLSName             string
}

func (p *resolverConfigPayload) Type() descriptor.Type { return typeOfResolverConfigPayload }
func (p *resolverConfigPayload) TypeName() string      { return "resolverConfiguration" }

func tunableFiller(field, key string, fallback int) descriptor.ObjectFiller {
	return descriptor.ObjectFiller{
		ObjectPath: descriptor.Path{field},
		ValueSource: descriptor.ValueSources{
			descriptor.ObjectAtPath{
				ObjectPath:     descriptor.Path{key},
				AssignableKind: intFillerKind,
			},
			descriptor.DefaultValue{Value: fallback},
		},
	}
}

var resolverConfigDescriptor = &descriptor.Descriptor{
	Type: typeOfResolverConfigPayload,
	Filler: descriptor.Fillers{
		descriptor.ObjectFiller{
			ObjectPath: descriptor.Path{"NetID"},
			ValueSource: descriptor.ObjectAtPath{
				ObjectPath:     descriptor.Path{"netId"},
				AssignableKind: intFillerKind,
			},
		},
		tunableFiller("SampleValidityS", "sampleValiditySeconds", 1800),
		tunableFiller("SuccessThresholdPct", "successThreshold", 25),
		tunableFiller("MinSamples", "minSamples", 4),
		tunableFiller("MaxSamples", "maxSamples", 8),
		descriptor.ObjectFiller{
			ObjectPath: descriptor.Path{"BaseTimeoutMs"},
			ValueSource: descriptor.ValueSources{
				descriptor.ObjectAtPath{
					ObjectPath:     descriptor.Path{"baseTimeoutMsec"},
					AssignableKind: int64FillerKind,
				},
				descriptor.DefaultValue{Value: int64(5000)},
			},
		},
		tunableFiller("RetryCount", "retryCount", 2),
		descriptor.ObjectFiller{
			ObjectPath: descriptor.Path{"TLSName"},
			ValueSource: descriptor.ValueSources{
				descriptor.ObjectAtPath{
					ObjectPath:     descriptor.Path{"tlsName"},
					AssignableKind: descriptor.KindString,
				},
				descriptor.DefaultValue{Value: ""},
			},
		},
	},
}

func stringList(raw interface{}) ([]string, bool) {
	if raw == nil {
		return nil, true
	}
	elements, isList := raw.([]interface{})
	if !isList {
		return nil, false
	}
	out := make([]string, 0, len(elements))
	for _, el := range elements {
		str, isString := el.(string)
		if !isString {
			return nil, false
		}
		out = append(out, str)
	}
	return out, true
}

// ParseResolverConfiguration fills a NetworkParams from an untyped IPC
// payload. A tlsServers[] element may be a bare address string or an
// object carrying an address and an optional fingerprint pin; per-entry
// fingerprints are folded into the fingerprint set. Returns ok=false
// (the -EINVAL case) for any malformed field.
func ParseResolverConfiguration(raw interface{}) (NetworkParams, bool) {
	m, isMap := raw.(map[string]interface{})
	if !isMap {
		return NetworkParams{}, false
	}
	described, s, f := resolverConfigDescriptor.Describe(raw)
	if s < 1 || f > 0 {
		return NetworkParams{}, false
	}
	payload, valid := described.(*resolverConfigPayload)
	if !valid {
		return NetworkParams{}, false
	}

	p := NetworkParams{
		NetID:               payload.NetID,
		SampleValidityS:     payload.SampleValidityS,
		SuccessThresholdPct: payload.SuccessThresholdPct,
		MinSamples:          payload.MinSamples,
		MaxSamples:          payload.MaxSamples,
		BaseTimeoutMs:       payload.BaseTimeoutMs,
		RetryCount:          payload.RetryCount,
		TLSName:             payload.TLSName,
	}

	var ok bool
	if p.Servers, ok = stringList(m["servers"]); !ok {
		return NetworkParams{}, false
	}
	if p.Domains, ok = stringList(m["domains"]); !ok {
		return NetworkParams{}, false
	}
	if p.TLSFingerprints, ok = stringList(m["tlsFingerprints"]); !ok {
		return NetworkParams{}, false
	}

	if rawTLS, present := m["tlsServers"]; present {
		elements, isList := rawTLS.([]interface{})
		if !isList {
			return NetworkParams{}, false
		}
		for _, el := range elements {
			switch v := el.(type) {
			case string:
				ip := common.ParseIPv4v6(v)
				if ip == nil {
					return NetworkParams{}, false
				}
				p.TLSServers = append(p.TLSServers, ip.String())
			default:
				addr, fingerprint, entryOK := ParseTLSServerEntry(el)
				if !entryOK {
					return NetworkParams{}, false
				}
				p.TLSServers = append(p.TLSServers, addr.String())
				if fingerprint != "" {
					p.TLSFingerprints = append(p.TLSFingerprints, fingerprint)
				}
			}
		}
	}
	return p, true
}

// SetResolverConfigurationFromPayload is the IPC-facing form of
// SetResolverConfiguration: it fills the params struct off the untyped
// payload and applies it with the same atomic validation.
func (r *Registry) SetResolverConfigurationFromPayload(raw interface{}) error {
	p, ok := ParseResolverConfiguration(raw)
	if !ok {
		return ErrInvalid
	}
	return r.SetResolverConfiguration(p)
}
