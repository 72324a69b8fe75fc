package allocate

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ChooseSubnet Tests
// =============================================================================

func TestChooseSubnet_EmptyHost(t *testing.T) {
	got, ok := ChooseSubnet(nil)
	require.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("172.20.0.0/16"), got)
}

func TestChooseSubnet_SkipsTakenBlock(t *testing.T) {
	existing := []netip.Prefix{netip.MustParsePrefix("172.20.0.0/16")}
	got, ok := ChooseSubnet(existing)
	require.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("172.21.0.0/16"), got)
}

func TestChooseSubnet_NumericOverlapNotStringMatch(t *testing.T) {
	// A /17 inside the first candidate must disqualify the whole /16 even
	// though the CIDR strings differ.
	existing := []netip.Prefix{netip.MustParsePrefix("172.20.128.0/17")}
	got, ok := ChooseSubnet(existing)
	require.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("172.21.0.0/16"), got)
}

func TestChooseSubnet_WideExistingBlocksWholeTierRange(t *testing.T) {
	// 172.16.0.0/12 covers every 172.2x candidate; chooser moves to the
	// 10.x band of the preferred tier.
	existing := []netip.Prefix{netip.MustParsePrefix("172.16.0.0/12")}
	got, ok := ChooseSubnet(existing)
	require.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("10.210.0.0/16"), got)
}

func TestChooseSubnet_FallsBackToSecondTier(t *testing.T) {
	existing := []netip.Prefix{
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("10.0.0.0/8"),
	}
	got, ok := ChooseSubnet(existing)
	require.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("192.168.200.0/24"), got)
}

func TestChooseSubnet_AllExhausted(t *testing.T) {
	existing := AllCandidates()
	_, ok := ChooseSubnet(existing)
	assert.False(t, ok, "full exhaustion must yield the runtime-default sentinel")
}

func TestChooseSubnet_IgnoresInvalidPrefixes(t *testing.T) {
	existing := []netip.Prefix{{}} // zero value from an unparsable inventory entry
	got, ok := ChooseSubnet(existing)
	require.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("172.20.0.0/16"), got)
}

func TestCandidateRanges_OrderAndCount(t *testing.T) {
	ranges := CandidateRanges()
	require.NotEmpty(t, ranges)
	assert.Equal(t, "172.20.0.0/16", ranges[0])
	assert.Len(t, ranges, len(AllCandidates()))
}
