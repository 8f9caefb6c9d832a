package common

import (
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
	"github.com/mobile-dns/resolverd/internal/logging"
)

func Output(a ...interface{}) {
	_, _ = fmt.Fprintln(logging.Writer(), a...)
}

func ErrOutput(a ...interface{}) {
	logging.Error().Msg(fmt.Sprint(a...))
}

func ParseIPv4v6(str string) (ip net.IP) {
	ip = net.ParseIP(str)
	if ip == nil {
		return
	}
	if ipv4Addr := ip.To4(); ipv4Addr != nil {
		return ipv4Addr
	}
	return
}

func IsDomainName(name string) (ok bool) {
	_, ok = dns.IsDomainName(name)
	return
}

// CanonicalName lowercases and fqdn-normalizes a domain name.
func CanonicalName(name string) string {
	if name == "" {
		return ""
	}
	canonical := dns.CanonicalName(name)
	if canonical == "" {
		return ""
	}
	return ensureFQDN(canonical)
}

func ensureFQDN(name string) string {
	if dns.IsFqdn(name) {
		return name
	}
	return name + "."
}

func Concatenate(a ...interface{}) string {
	builder := strings.Builder{}
	for _, value := range a {
		builder.WriteString(fmt.Sprint(value))
	}
	return builder.String()
}

func SnakeCaseConcatenate(a ...interface{}) string {
	builder := strings.Builder{}
	for _, value := range a {
		str := fmt.Sprint(value)
		if str == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("_")
		}
		builder.WriteString(str)
	}
	return builder.String()
}

func UpperString(s string) string {
	return strings.ToUpper(s)
}

func FilterResourceRecords(records []dns.RR, predicate func(rr dns.RR) bool) (result []dns.RR) {
	for _, record := range records {
		if predicate(record) {
			result = append(result, record)
		}
	}
	return
}
