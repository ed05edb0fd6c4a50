package bundle

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	ctx509 "github.com/google/certificate-transparency-go/x509"

	cdeerrors "certbot_deployer/pkg/errors"
)

// Kind tells certificates and private keys apart.
type Kind int

const (
	KindCertificate Kind = iota
	KindPrivateKey
)

func (k Kind) String() string {
	switch k {
	case KindCertificate:
		return "certificate"
	case KindPrivateKey:
		return "private key"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Metadata is what a deployer usually needs to know about a certificate without
// touching ASN.1 itself.
type Metadata struct {
	SerialNumber *big.Int
	Subject      string
	Issuer       string
	NotBefore    time.Time
	NotAfter     time.Time
	CommonName   string
	DNSNames     []string
}

// Equal compares serial, subject, issuer and validity window.
func (m *Metadata) Equal(o *Metadata) bool {
	if m == nil || o == nil {
		return m == o
	}
	if (m.SerialNumber == nil) != (o.SerialNumber == nil) {
		return false
	}
	if m.SerialNumber != nil && m.SerialNumber.Cmp(o.SerialNumber) != 0 {
		return false
	}
	return m.Subject == o.Subject &&
		m.Issuer == o.Issuer &&
		m.NotBefore.Equal(o.NotBefore) &&
		m.NotAfter.Equal(o.NotAfter)
}

// Component is one PEM object of a lineage: a certificate, a private key, or the
// first certificate of a multi-certificate file.
type Component struct {
	Label    string
	Filename string
	Path     string
	Contents string
	Kind     Kind
	// Metadata is nil for private keys and for an empty chain file.
	Metadata *Metadata

	der []byte
}

// Equal reports whether two components hold the same kind of object with the same
// metadata. Where they live on disk does not matter.
func (c *Component) Equal(o *Component) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.Kind == o.Kind && c.Metadata.Equal(o.Metadata)
}

// DER returns the DER bytes of the decoded PEM block.
func (c *Component) DER() []byte {
	return c.der
}

// Certificate parses the component with the same tolerant parser that built
// its metadata, so any component accepted by New can be loaded again.
func (c *Component) Certificate() (*ctx509.Certificate, error) {
	if c.Kind != KindCertificate || len(c.der) == 0 {
		return nil, parseError(c.Label, c.Path, errors.New("not a certificate"))
	}
	cert, err := parseCertificate(c.der)
	if err != nil {
		return nil, parseError(c.Label, c.Path, err)
	}
	return cert, nil
}

// PrivateKey parses a private key component with crypto/x509.
func (c *Component) PrivateKey() (crypto.PrivateKey, error) {
	if c.Kind != KindPrivateKey {
		return nil, fmt.Errorf("%s is not a private key", c.Label)
	}
	return parsePrivateKey(c.der)
}

func (c *Component) String() string {
	if c.Metadata == nil {
		return fmt.Sprintf("%s (%s, %s)", c.Label, c.Kind, c.Path)
	}
	return fmt.Sprintf("%s (%s, %s, serial=%s, subject=%q, not_after=%s)",
		c.Label, c.Kind, c.Path, c.Metadata.SerialNumber, c.Metadata.Subject,
		c.Metadata.NotAfter.Format(time.RFC3339))
}

// ReadComponent reads path and parses its first PEM object.
func ReadComponent(label, path string) (*Component, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cdeerrors.WrapWithContext(cdeerrors.ErrCodeFilesystem,
				fmt.Sprintf("unable to find %s", path), err, map[string]any{"path": path, "label": label})
		}
		return nil, cdeerrors.WrapWithContext(cdeerrors.ErrCodeFilesystem,
			fmt.Sprintf("unable to read %s", path), err, map[string]any{"path": path, "label": label})
	}
	return ParseComponent(label, path, contents)
}

// ParseComponent decodes exactly one PEM object from contents. path is recorded
// on the component and used in error messages; nothing is read from disk.
func ParseComponent(label, path string, contents []byte) (*Component, error) {
	block, _ := pem.Decode(contents)
	if block == nil {
		return nil, parseError(label, path, errors.New("no PEM data found"))
	}

	component := &Component{
		Label:    label,
		Filename: filepath.Base(path),
		Path:     path,
		Contents: string(contents),
		der:      block.Bytes,
	}

	switch {
	case block.Type == "CERTIFICATE":
		meta, err := parseCertificateMetadata(block.Bytes)
		if err != nil {
			return nil, parseError(label, path, err)
		}
		component.Kind = KindCertificate
		component.Metadata = meta
	case strings.HasSuffix(block.Type, "PRIVATE KEY"):
		if _, err := parsePrivateKey(block.Bytes); err != nil {
			return nil, parseError(label, path, err)
		}
		component.Kind = KindPrivateKey
	default:
		return nil, parseError(label, path, fmt.Errorf("unsupported PEM block type %q", block.Type))
	}

	return component, nil
}

// SplitPEM returns every PEM block of contents, re-encoded as text, in file order.
// Whitespace between and after blocks is ignored; any other trailing data is an error.
func SplitPEM(contents []byte) ([]string, error) {
	blocks := make([]string, 0, 4)
	rest := contents
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		blocks = append(blocks, string(pem.EncodeToMemory(block)))
	}
	if len(bytes.TrimSpace(rest)) > 0 {
		return nil, errors.New("trailing data after last PEM block")
	}
	return blocks, nil
}

// parseCertificate reports RFC violations that browsers tolerate as non-fatal;
// only fatal ones make the certificate unusable.
func parseCertificate(der []byte) (*ctx509.Certificate, error) {
	cert, err := ctx509.ParseCertificate(der)
	if err != nil && ctx509.IsFatal(err) {
		return nil, err
	}
	if cert == nil {
		return nil, errors.New("certificate could not be parsed")
	}
	return cert, nil
}

func parseCertificateMetadata(der []byte) (*Metadata, error) {
	cert, err := parseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &Metadata{
		SerialNumber: cert.SerialNumber,
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		NotBefore:    cert.NotBefore.UTC(),
		NotAfter:     cert.NotAfter.UTC(),
		CommonName:   cert.Subject.CommonName,
		DNSNames:     append([]string(nil), cert.DNSNames...),
	}, nil
}

func parsePrivateKey(der []byte) (crypto.PrivateKey, error) {
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}

	key, pkcs8Err := x509.ParsePKCS8PrivateKey(der)
	if pkcs8Err == nil {
		return key, nil
	}

	// Fallback to PKCS1
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}

	return nil, pkcs8Err
}

func parseError(label, path string, cause error) error {
	return cdeerrors.WrapWithContext(cdeerrors.ErrCodeParse,
		fmt.Sprintf("unable to parse %s from %s", label, path), cause,
		map[string]any{"path": path, "label": label})
}
