package models

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certbot_deployer/pkg/bundle"
	"certbot_deployer/pkg/deployertest"
)

func TestNewBundleSummary(t *testing.T) {
	lineage := deployertest.NewLineage(t,
		deployertest.WithDNSNames("example.com", "www.example.com"),
		deployertest.WithIntermediates(2),
	)
	b := lineage.Bundle(t)
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.FixedZone("CEST", 2*60*60))

	s, err := NewBundleSummary(b, now)
	require.NoError(t, err)

	assert.Equal(t, b.Path, s.Path)
	assert.Equal(t, deployertest.CommonName, s.CommonName)
	assert.Equal(t, []string{deployertest.CommonName, "example.com", "www.example.com"}, s.Names)
	assert.Equal(t, "2099-01-01T00:00:00", s.Expires)
	assert.Equal(t, now.UTC(), s.Timestamp)

	leaf := lineage.Leaf.Cert
	assert.Equal(t, deployertest.CommonName, s.LeafCert.Subject.CommonName)
	assert.Equal(t, FormatSerial(leaf.SerialNumber), s.LeafCert.SerialNumber)
	assert.Equal(t, leaf.Issuer.String(), s.LeafCert.IssuerDistinguishedName)
	assert.Len(t, s.LeafCert.Fingerprint, 64)
	assert.Equal(t, []string{"example.com", "www.example.com"}, s.LeafCert.Extensions.SubjectAltName)
	assert.Equal(t, []string{"Digital Signature"}, s.LeafCert.Extensions.KeyUsage)
	assert.Equal(t, []string{"TLS Web Server Authentication"}, s.LeafCert.Extensions.ExtendedKeyUsage)
	assert.Equal(t, "CA:FALSE", s.LeafCert.Extensions.BasicConstraints)

	require.Len(t, s.Chain, 2)
	for i, c := range s.Chain {
		assert.Equal(t, lineage.Intermediates[i].Cert.Subject.CommonName, c.Subject.CommonName)
		assert.Equal(t, FormatSerial(lineage.Intermediates[i].Cert.SerialNumber), c.SerialNumber)
	}

	assert.Equal(t, PrivateKey{Algorithm: "ECDSA", Bits: 256}, s.Key)
}

func TestNewBundleSummaryWithoutChain(t *testing.T) {
	b := deployertest.NewLineage(t, deployertest.WithIntermediates(0)).Bundle(t)

	s, err := NewBundleSummary(b, time.Now())
	require.NoError(t, err)
	assert.NotNil(t, s.Chain)
	assert.Empty(t, s.Chain)
}

func TestNewBundleSummaryNonConformingLeaf(t *testing.T) {
	lineage := deployertest.NewLineage(t)
	leaf := deployertest.GenerateWithSerial(t, "negative.example.com", big.NewInt(-42))
	lineage.Overwrite(t, bundle.CertFilename, leaf)

	s, err := NewBundleSummary(lineage.Bundle(t), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "2A", s.LeafCert.SerialNumber)
	assert.Equal(t, "negative.example.com", s.LeafCert.Subject.CommonName)
	assert.Equal(t, []string{"negative.example.com"}, s.LeafCert.Extensions.SubjectAltName)
}

func TestFormatSerial(t *testing.T) {
	tests := []struct {
		serial   *big.Int
		expected string
	}{
		{nil, ""},
		{big.NewInt(0), "00"},
		{big.NewInt(1), "01"},
		{big.NewInt(0x1234ab), "12:34:AB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, FormatSerial(tt.serial))
	}
}

func TestFingerprint(t *testing.T) {
	// sha256 of the empty input
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Fingerprint(nil))
}
