package certs

import (
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseCert(t *testing.T, certPEM []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func verifyChain(t *testing.T, caPEM, leafPEM []byte, dnsName string, at time.Time) {
	t.Helper()
	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(caPEM))

	leaf := parseCert(t, leafPEM)
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:       roots,
		DNSName:     dnsName,
		CurrentTime: at,
	})
	require.NoError(t, err)
}

func fixedNow() time.Time {
	return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// Authority
// =============================================================================

func TestGenerateAuthorityIsCA(t *testing.T) {
	authority, err := GenerateAuthority("opal CA", fixedNow())
	require.NoError(t, err)

	cert := parseCert(t, authority.CertPEM)
	assert.True(t, cert.IsCA)
	assert.True(t, cert.MaxPathLenZero)
	assert.Equal(t, "opal CA", cert.Subject.CommonName)
	assert.NotZero(t, cert.KeyUsage&x509.KeyUsageCertSign)
}

func TestGenerateAuthorityUniqueSerials(t *testing.T) {
	a, err := GenerateAuthority("opal CA", fixedNow())
	require.NoError(t, err)
	b, err := GenerateAuthority("opal CA", fixedNow())
	require.NoError(t, err)

	assert.NotEqual(t, parseCert(t, a.CertPEM).SerialNumber, parseCert(t, b.CertPEM).SerialNumber)
}

// =============================================================================
// Leaf
// =============================================================================

func TestIssueLeafSplitsDNSAndIPHosts(t *testing.T) {
	authority, err := GenerateAuthority("opal CA", fixedNow())
	require.NoError(t, err)

	leafPair, err := IssueLeaf(authority, []string{"opal.example.org", "alt.example.org", "192.168.1.10"}, fixedNow())
	require.NoError(t, err)

	leaf := parseCert(t, leafPair.CertPEM)
	assert.Equal(t, []string{"opal.example.org", "alt.example.org"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "192.168.1.10", leaf.IPAddresses[0].String())
	assert.False(t, leaf.IsCA)
}

func TestIssueLeafRejectsEmptyHosts(t *testing.T) {
	authority, err := GenerateAuthority("opal CA", fixedNow())
	require.NoError(t, err)

	_, err = IssueLeaf(authority, nil, fixedNow())
	assert.Error(t, err)
}

func TestIssueLeafRejectsGarbageAuthority(t *testing.T) {
	_, err := IssueLeaf(&KeyPair{CertPEM: []byte("junk"), KeyPEM: []byte("junk")}, []string{"a.example.org"}, fixedNow())
	assert.Error(t, err)
}

func TestLeafValidityWindow(t *testing.T) {
	authority, err := GenerateAuthority("opal CA", fixedNow())
	require.NoError(t, err)
	leafPair, err := IssueLeaf(authority, []string{"opal.example.org"}, fixedNow())
	require.NoError(t, err)

	leaf := parseCert(t, leafPair.CertPEM)
	assert.True(t, leaf.NotBefore.Before(fixedNow()))
	assert.Equal(t, fixedNow().Add(leafValidity), leaf.NotAfter)
}
