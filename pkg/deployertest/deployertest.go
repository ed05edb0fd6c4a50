// Package deployertest generates throwaway certbot lineage directories so that
// deployer plugins can be tested against real PEM files.
//
//	func TestMyDeployer(t *testing.T) {
//	    lineage := deployertest.NewLineage(t, deployertest.WithDNSNames("example.com"))
//	    b := lineage.Bundle(t)
//	    ...
//	}
package deployertest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	ctx509 "github.com/google/certificate-transparency-go/x509"
	ctpkix "github.com/google/certificate-transparency-go/x509/pkix"
	"github.com/stretchr/testify/require"

	"certbot_deployer/pkg/bundle"
)

// Defaults used when an option does not override them.
const CommonName = "test_common_name"

var (
	NotValidBefore = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	NotValidAfter  = time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
)

type options struct {
	commonName    string
	dnsNames      []string
	notBefore     time.Time
	notAfter      time.Time
	intermediates int
	dir           string
}

// Option customises a generated lineage.
type Option func(*options)

// WithCommonName sets the leaf subject CN. An empty name leaves the subject empty.
func WithCommonName(cn string) Option {
	return func(o *options) { o.commonName = cn }
}

// WithDNSNames adds DNS subject alternative names to the leaf.
func WithDNSNames(names ...string) Option {
	return func(o *options) { o.dnsNames = append(o.dnsNames, names...) }
}

// WithValidity sets the leaf validity window.
func WithValidity(notBefore, notAfter time.Time) Option {
	return func(o *options) {
		o.notBefore = notBefore
		o.notAfter = notAfter
	}
}

// WithIntermediates sets how many CA certificates chain.pem holds. Zero writes an
// empty chain file.
func WithIntermediates(n int) Option {
	return func(o *options) { o.intermediates = n }
}

// WithDir writes the lineage into dir instead of a fresh temporary directory.
func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// Certificate is a generated certificate with its key.
type Certificate struct {
	Cert *x509.Certificate
	Key  crypto.Signer
	PEM  string
}

// Lineage is a generated lineage directory.
type Lineage struct {
	Dir           string
	Leaf          *Certificate
	Intermediates []*Certificate
	KeyPEM        string
}

// NewLineage writes cert.pem, privkey.pem, chain.pem and fullchain.pem. By default
// the leaf is issued by a single intermediate.
func NewLineage(t testing.TB, opts ...Option) *Lineage {
	t.Helper()

	o := &options{
		commonName:    CommonName,
		notBefore:     NotValidBefore,
		notAfter:      NotValidAfter,
		intermediates: 1,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.dir == "" {
		o.dir = t.TempDir()
	}

	// Issuers are generated top-down: the last intermediate is self-signed and
	// each one signs the one before it.
	intermediates := make([]*Certificate, o.intermediates)
	var parent *Certificate
	for i := o.intermediates - 1; i >= 0; i-- {
		intermediates[i] = generate(t, &x509.Certificate{
			Subject:               pkix.Name{CommonName: "test intermediate " + string(rune('A'+i))},
			NotBefore:             o.notBefore,
			NotAfter:              o.notAfter,
			IsCA:                  true,
			BasicConstraintsValid: true,
			KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		}, parent)
		parent = intermediates[i]
	}

	leafTemplate := &x509.Certificate{
		NotBefore:             o.notBefore,
		NotAfter:              o.notAfter,
		DNSNames:              o.dnsNames,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if o.commonName != "" {
		leafTemplate.Subject = pkix.Name{CommonName: o.commonName}
	}
	var issuer *Certificate
	if len(intermediates) > 0 {
		issuer = intermediates[0]
	}
	leaf := generate(t, leafTemplate, issuer)

	keyDER, err := x509.MarshalPKCS8PrivateKey(leaf.Key)
	require.NoError(t, err)
	keyPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))

	var chain strings.Builder
	for _, c := range intermediates {
		chain.WriteString(c.PEM)
	}

	l := &Lineage{
		Dir:           o.dir,
		Leaf:          leaf,
		Intermediates: intermediates,
		KeyPEM:        keyPEM,
	}
	l.write(t, bundle.CertFilename, leaf.PEM)
	l.write(t, bundle.KeyFilename, keyPEM)
	l.write(t, bundle.ChainFilename, chain.String())
	l.write(t, bundle.FullchainFilename, leaf.PEM+chain.String())

	return l
}

// Bundle parses the lineage, failing the test on error.
func (l *Lineage) Bundle(t testing.TB) *bundle.Bundle {
	t.Helper()
	b, err := bundle.New(l.Dir)
	require.NoError(t, err)
	return b
}

// Path returns the path of filename inside the lineage.
func (l *Lineage) Path(filename string) string {
	return filepath.Join(l.Dir, filename)
}

// Remove deletes filename from the lineage.
func (l *Lineage) Remove(t testing.TB, filename string) {
	t.Helper()
	require.NoError(t, os.Remove(l.Path(filename)))
}

// Overwrite replaces the contents of filename.
func (l *Lineage) Overwrite(t testing.TB, filename, contents string) {
	t.Helper()
	l.write(t, filename, contents)
}

func (l *Lineage) write(t testing.TB, filename, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(l.Path(filename), []byte(contents), 0o600))
}

// GenerateSelfSigned returns a self-signed CA certificate for cn.
func GenerateSelfSigned(t testing.TB, cn string, notBefore, notAfter time.Time) *Certificate {
	t.Helper()
	return generate(t, &x509.Certificate{
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}, nil)
}

func generate(t testing.TB, template *x509.Certificate, issuer *Certificate) *Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	require.NoError(t, err)
	template.SerialNumber = serial.Add(serial, big.NewInt(1))

	parent, signer := template, crypto.Signer(key)
	if issuer != nil {
		parent, signer = issuer.Cert, issuer.Key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, key.Public(), signer)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &Certificate{
		Cert: cert,
		Key:  key,
		PEM:  string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
	}
}

// GenerateWithSerial returns a PEM encoded self-signed certificate for cn
// carrying serial as is. crypto/x509 refuses to create or parse some serials,
// negative ones among them, that certificates in the wild still carry.
func GenerateWithSerial(t testing.TB, cn string, serial *big.Int) string {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &ctx509.Certificate{
		SerialNumber:          serial,
		Subject:               ctpkix.Name{CommonName: cn},
		NotBefore:             NotValidBefore,
		NotAfter:              NotValidAfter,
		DNSNames:              []string{cn},
		BasicConstraintsValid: true,
		KeyUsage:              ctx509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []ctx509.ExtKeyUsage{ctx509.ExtKeyUsageServerAuth},
	}
	der, err := ctx509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}
