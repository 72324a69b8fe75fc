package allocate

import (
	"fmt"
	"net/netip"
)

// =============================================================================
// Subnet Selection
// =============================================================================

// Candidate subnet tiers. Preferred tier first: large, conventionally
// private /16 blocks, which keeps future collision probability low for the
// operator's other networks. The /24 fallback tier is only consulted when
// every /16 candidate overlaps an existing network.
var (
	preferredBlocks = buildBlocks("172.%d.0.0/16", 20, 29, "10.%d.0.0/16", 210, 219)
	fallbackBlocks  = buildBlocks("192.168.%d.0/24", 200, 215, "", 0, -1)
)

func buildBlocks(fmtA string, loA, hiA int, fmtB string, loB, hiB int) []netip.Prefix {
	var out []netip.Prefix
	for i := loA; i <= hiA; i++ {
		out = append(out, netip.MustParsePrefix(fmt.Sprintf(fmtA, i)))
	}
	for i := loB; i <= hiB; i++ {
		out = append(out, netip.MustParsePrefix(fmt.Sprintf(fmtB, i)))
	}
	return out
}

// ChooseSubnet proposes a private subnet that does not overlap any existing
// network on the host. Candidates are tried in tier order; overlap is
// decided by numeric range intersection, not string equality, so
// 172.20.128.0/17 blocks 172.20.0.0/16.
//
// The second return value is false when every candidate in both tiers is
// taken; the caller should then let the container runtime pick (the
// "runtime default" sentinel).
func ChooseSubnet(existing []netip.Prefix) (netip.Prefix, bool) {
	for _, tier := range [][]netip.Prefix{preferredBlocks, fallbackBlocks} {
		for _, candidate := range tier {
			if !overlapsAny(candidate, existing) {
				return candidate, true
			}
		}
	}
	return netip.Prefix{}, false
}

func overlapsAny(p netip.Prefix, existing []netip.Prefix) bool {
	for _, e := range existing {
		if e.IsValid() && p.Overlaps(e) {
			return true
		}
	}
	return false
}

// CandidateRanges lists every candidate block in scan order, for error
// reporting when allocation is exhausted.
func CandidateRanges() []string {
	out := make([]string, 0, len(preferredBlocks)+len(fallbackBlocks))
	for _, p := range preferredBlocks {
		out = append(out, p.String())
	}
	for _, p := range fallbackBlocks {
		out = append(out, p.String())
	}
	return out
}

// AllCandidates returns a copy of every candidate prefix, preferred tier
// first. Exposed for tests and for tools that want to display the scan
// order.
func AllCandidates() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(preferredBlocks)+len(fallbackBlocks))
	out = append(out, preferredBlocks...)
	out = append(out, fallbackBlocks...)
	return out
}
