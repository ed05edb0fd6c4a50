package models

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/certificate-transparency-go/x509"

	"certbot_deployer/pkg/bundle"
)

type BundleSummary struct {
	Path       string          `json:"path" yaml:"path"`
	CommonName string          `json:"common_name" yaml:"common_name"`
	Names      []string        `json:"names" yaml:"names"`
	Expires    string          `json:"expires" yaml:"expires"`
	LeafCert   LeafCertificate `json:"leaf_cert" yaml:"leaf_cert"`
	Chain      []ChainCert     `json:"chain" yaml:"chain"`
	Key        PrivateKey      `json:"key" yaml:"key"`
	Timestamp  time.Time       `json:"timestamp" yaml:"timestamp"`
}

type LeafCertificate struct {
	Subject                 Subject    `json:"subject" yaml:"subject"`
	Extensions              Extensions `json:"extensions" yaml:"extensions"`
	NotBefore               time.Time  `json:"not_before" yaml:"not_before"`
	NotAfter                time.Time  `json:"not_after" yaml:"not_after"`
	SerialNumber            string     `json:"serial_number" yaml:"serial_number"`
	Fingerprint             string     `json:"fingerprint" yaml:"fingerprint"`
	IssuerDistinguishedName string     `json:"issuer_distinguished_name" yaml:"issuer_distinguished_name"`
}

type Subject struct {
	CommonName         string `json:"common_name" yaml:"common_name"`
	Country            string `json:"country,omitempty" yaml:"country,omitempty"`
	Organization       string `json:"organization,omitempty" yaml:"organization,omitempty"`
	OrganizationalUnit string `json:"organizational_unit,omitempty" yaml:"organizational_unit,omitempty"`
	Locality           string `json:"locality,omitempty" yaml:"locality,omitempty"`
	Province           string `json:"province,omitempty" yaml:"province,omitempty"`
}

type Extensions struct {
	SubjectAltName         []string `json:"subject_alt_name" yaml:"subject_alt_name"`
	KeyUsage               []string `json:"key_usage" yaml:"key_usage"`
	ExtendedKeyUsage       []string `json:"extended_key_usage" yaml:"extended_key_usage"`
	AuthorityKeyIdentifier string   `json:"authority_key_identifier,omitempty" yaml:"authority_key_identifier,omitempty"`
	SubjectKeyIdentifier   string   `json:"subject_key_identifier,omitempty" yaml:"subject_key_identifier,omitempty"`
	BasicConstraints       string   `json:"basic_constraints" yaml:"basic_constraints"`
}

type ChainCert struct {
	Subject                 Subject   `json:"subject" yaml:"subject"`
	IssuerDistinguishedName string    `json:"issuer_distinguished_name" yaml:"issuer_distinguished_name"`
	NotBefore               time.Time `json:"not_before" yaml:"not_before"`
	NotAfter                time.Time `json:"not_after" yaml:"not_after"`
	SerialNumber            string    `json:"serial_number" yaml:"serial_number"`
}

type PrivateKey struct {
	Algorithm string `json:"algorithm" yaml:"algorithm"`
	Bits      int    `json:"bits" yaml:"bits"`
}

// NewBundleSummary describes b as of now.
func NewBundleSummary(b *bundle.Bundle, now time.Time) (*BundleSummary, error) {
	leaf, err := b.Cert.Certificate()
	if err != nil {
		return nil, fmt.Errorf("failed to load leaf certificate: %w", err)
	}

	summary := &BundleSummary{
		Path:       b.Path,
		CommonName: b.CommonName(),
		Names:      b.Names(),
		Expires:    b.ExpiresString(),
		LeafCert: LeafCertificate{
			Subject:                 newSubject(leaf),
			Extensions:              newExtensions(leaf),
			NotBefore:               leaf.NotBefore.UTC(),
			NotAfter:                leaf.NotAfter.UTC(),
			SerialNumber:            FormatSerial(leaf.SerialNumber),
			Fingerprint:             Fingerprint(leaf.Raw),
			IssuerDistinguishedName: leaf.Issuer.String(),
		},
		Chain:     make([]ChainCert, 0, len(b.Intermediates)),
		Timestamp: now.UTC(),
	}

	for _, c := range b.Intermediates {
		cert, err := c.Certificate()
		if err != nil {
			return nil, fmt.Errorf("failed to load chain certificate: %w", err)
		}
		summary.Chain = append(summary.Chain, ChainCert{
			Subject:                 newSubject(cert),
			IssuerDistinguishedName: cert.Issuer.String(),
			NotBefore:               cert.NotBefore.UTC(),
			NotAfter:                cert.NotAfter.UTC(),
			SerialNumber:            FormatSerial(cert.SerialNumber),
		})
	}

	key, err := b.Key.PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}
	summary.Key = newPrivateKey(key)

	return summary, nil
}

// FormatSerial renders a serial number as colon separated hex octets, the way
// openssl prints it.
func FormatSerial(serial *big.Int) string {
	if serial == nil {
		return ""
	}
	b := serial.Bytes()
	if len(b) == 0 {
		return "00"
	}
	octets := make([]string, len(b))
	for i, o := range b {
		octets[i] = fmt.Sprintf("%02X", o)
	}
	return strings.Join(octets, ":")
}

// Fingerprint is the hex SHA-256 digest of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

func newSubject(cert *x509.Certificate) Subject {
	return Subject{
		CommonName:         cert.Subject.CommonName,
		Country:            first(cert.Subject.Country),
		Organization:       first(cert.Subject.Organization),
		OrganizationalUnit: first(cert.Subject.OrganizationalUnit),
		Locality:           first(cert.Subject.Locality),
		Province:           first(cert.Subject.Province),
	}
}

func newExtensions(cert *x509.Certificate) Extensions {
	ext := Extensions{
		SubjectAltName:   append([]string{}, cert.DNSNames...),
		KeyUsage:         keyUsageNames(cert.KeyUsage),
		ExtendedKeyUsage: make([]string, 0, len(cert.ExtKeyUsage)),
		BasicConstraints: "CA:FALSE",
	}
	for _, ip := range cert.IPAddresses {
		ext.SubjectAltName = append(ext.SubjectAltName, ip.String())
	}
	for _, u := range cert.ExtKeyUsage {
		ext.ExtendedKeyUsage = append(ext.ExtendedKeyUsage, extKeyUsageName(u))
	}
	if len(cert.AuthorityKeyId) > 0 {
		ext.AuthorityKeyIdentifier = hex.EncodeToString(cert.AuthorityKeyId)
	}
	if len(cert.SubjectKeyId) > 0 {
		ext.SubjectKeyIdentifier = hex.EncodeToString(cert.SubjectKeyId)
	}
	if cert.BasicConstraintsValid && cert.IsCA {
		ext.BasicConstraints = "CA:TRUE"
	}
	return ext
}

var keyUsages = []struct {
	usage x509.KeyUsage
	name  string
}{
	{x509.KeyUsageDigitalSignature, "Digital Signature"},
	{x509.KeyUsageContentCommitment, "Content Commitment"},
	{x509.KeyUsageKeyEncipherment, "Key Encipherment"},
	{x509.KeyUsageDataEncipherment, "Data Encipherment"},
	{x509.KeyUsageKeyAgreement, "Key Agreement"},
	{x509.KeyUsageCertSign, "Certificate Sign"},
	{x509.KeyUsageCRLSign, "CRL Sign"},
	{x509.KeyUsageEncipherOnly, "Encipher Only"},
	{x509.KeyUsageDecipherOnly, "Decipher Only"},
}

func keyUsageNames(ku x509.KeyUsage) []string {
	names := make([]string, 0, len(keyUsages))
	for _, u := range keyUsages {
		if ku&u.usage != 0 {
			names = append(names, u.name)
		}
	}
	return names
}

func extKeyUsageName(u x509.ExtKeyUsage) string {
	switch u {
	case x509.ExtKeyUsageServerAuth:
		return "TLS Web Server Authentication"
	case x509.ExtKeyUsageClientAuth:
		return "TLS Web Client Authentication"
	case x509.ExtKeyUsageCodeSigning:
		return "Code Signing"
	case x509.ExtKeyUsageEmailProtection:
		return "E-mail Protection"
	case x509.ExtKeyUsageTimeStamping:
		return "Time Stamping"
	case x509.ExtKeyUsageOCSPSigning:
		return "OCSP Signing"
	case x509.ExtKeyUsageAny:
		return "Any Extended Key Usage"
	default:
		return fmt.Sprintf("Unknown (%d)", int(u))
	}
}

func newPrivateKey(key any) PrivateKey {
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		return PrivateKey{Algorithm: "ECDSA", Bits: k.Curve.Params().BitSize}
	case *rsa.PrivateKey:
		return PrivateKey{Algorithm: "RSA", Bits: k.N.BitLen()}
	case ed25519.PrivateKey:
		return PrivateKey{Algorithm: "Ed25519", Bits: 256}
	default:
		return PrivateKey{Algorithm: fmt.Sprintf("%T", key)}
	}
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
