package resolvcore

import "github.com/mobile-dns/resolverd/internal/common"

const (
	maxDomainOctets  = 255
	maxSearchDomains = 6
)

// NormalizeSearchDomains ingests a search-domain list:
// silently drop any domain longer than 255 octets, deduplicate preserving
// first occurrence, and truncate to the first 6 valid entries.
func NormalizeSearchDomains(domains []string) []string {
	seen := make(map[string]struct{}, len(domains))
	out := make([]string, 0, maxSearchDomains)
	for _, d := range domains {
		if len(d) > maxDomainOctets || !common.IsDomainName(d) {
			continue
		}
		canon := common.CanonicalName(d)
		if canon == "" {
			continue
		}
		if _, dup := seen[canon]; dup {
			continue
		}
		seen[canon] = struct{}{}
		out = append(out, d)
		if len(out) == maxSearchDomains {
			break
		}
	}
	return out
}
