// Package bundle parses the "live" lineage directory certbot hands to deploy hooks
// into certificate components that deployer plugins can consume.
package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	ctx509 "github.com/google/certificate-transparency-go/x509"
	"github.com/google/certificate-transparency-go/x509util"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	cdeerrors "certbot_deployer/pkg/errors"
)

// Labels and filenames certbot uses inside a lineage directory.
const (
	LabelCert      = "cert"
	LabelKey       = "privkey"
	LabelChain     = "chain"
	LabelFullchain = "fullchain"

	CertFilename      = "cert.pem"
	KeyFilename       = "privkey.pem"
	ChainFilename     = "chain.pem"
	FullchainFilename = "fullchain.pem"
)

// ExpiresLayout is the layout of ExpiresString.
const ExpiresLayout = "2006-01-02T15:04:05"

type lineageFile struct {
	label    string
	filename string
}

var files = []lineageFile{
	{LabelCert, CertFilename},
	{LabelKey, KeyFilename},
	{LabelChain, ChainFilename},
	{LabelFullchain, FullchainFilename},
}

// Filename returns the lineage filename for label, or "" for an unknown label.
func Filename(label string) string {
	for _, f := range files {
		if f.label == label {
			return f.filename
		}
	}
	return ""
}

// Bundle is a fully parsed lineage directory.
type Bundle struct {
	// Path is the absolute lineage directory.
	Path string

	Cert      *Component
	Key       *Component
	Chain     *Component
	Fullchain *Component

	// Intermediates holds each certificate of chain.pem in file order.
	Intermediates []*Component

	components map[string]*Component
}

// New reads and parses the four lineage files under dir. Nothing is returned
// unless every file exists and parses.
func New(dir string) (*Bundle, error) {
	path, err := filepath.Abs(dir)
	if err != nil {
		return nil, cdeerrors.Wrap(cdeerrors.ErrCodeFilesystem, fmt.Sprintf("invalid lineage path %q", dir), err)
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cdeerrors.WrapWithContext(cdeerrors.ErrCodeFilesystem,
				fmt.Sprintf("lineage directory %s does not exist", path), err, map[string]any{"path": path})
		}
		return nil, cdeerrors.Wrap(cdeerrors.ErrCodeFilesystem, fmt.Sprintf("unable to stat %s", path), err)
	}
	if !info.IsDir() {
		return nil, cdeerrors.NewWithContext(cdeerrors.ErrCodeFilesystem,
			fmt.Sprintf("lineage path %s is not a directory", path), map[string]any{"path": path})
	}

	contents := make(map[string][]byte, len(files))
	for _, f := range files {
		p := filepath.Join(path, f.filename)
		data, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, cdeerrors.WrapWithContext(cdeerrors.ErrCodeFilesystem,
					fmt.Sprintf("required file %s is missing from %s", f.filename, path), err,
					map[string]any{"path": p, "file": f.filename})
			}
			return nil, cdeerrors.WrapWithContext(cdeerrors.ErrCodeFilesystem,
				fmt.Sprintf("unable to read %s", p), err, map[string]any{"path": p, "file": f.filename})
		}
		contents[f.label] = data
	}

	b := &Bundle{Path: path}

	if b.Cert, err = parseAs(LabelCert, path, contents[LabelCert], KindCertificate); err != nil {
		return nil, err
	}
	if b.Key, err = parseAs(LabelKey, path, contents[LabelKey], KindPrivateKey); err != nil {
		return nil, err
	}
	if b.Fullchain, err = parseAs(LabelFullchain, path, contents[LabelFullchain], KindCertificate); err != nil {
		return nil, err
	}
	if b.Chain, b.Intermediates, err = parseChain(path, contents[LabelChain]); err != nil {
		return nil, err
	}

	b.components = map[string]*Component{
		LabelCert:      b.Cert,
		LabelKey:       b.Key,
		LabelChain:     b.Chain,
		LabelFullchain: b.Fullchain,
	}

	logrus.WithFields(logrus.Fields{
		"path":          b.Path,
		"common_name":   b.CommonName(),
		"expires":       b.ExpiresString(),
		"intermediates": len(b.Intermediates),
	}).Debug("lineage parsed")
	if logrus.IsLevelEnabled(logrus.TraceLevel) {
		if cert, err := ctx509.ParseCertificate(b.Cert.DER()); cert != nil && !ctx509.IsFatal(err) {
			logrus.Trace(x509util.CertificateToString(cert))
		}
	}

	return b, nil
}

func parseAs(label, dir string, contents []byte, want Kind) (*Component, error) {
	p := filepath.Join(dir, Filename(label))
	c, err := ParseComponent(label, p, contents)
	if err != nil {
		return nil, err
	}
	if c.Kind != want {
		return nil, parseError(label, p, fmt.Errorf("expected %s, found %s", want, c.Kind))
	}
	return c, nil
}

func parseChain(dir string, contents []byte) (*Component, []*Component, error) {
	p := filepath.Join(dir, ChainFilename)
	blocks, err := SplitPEM(contents)
	if err != nil {
		return nil, nil, parseError(LabelChain, p, err)
	}

	intermediates := make([]*Component, 0, len(blocks))
	for i, block := range blocks {
		c, err := ParseComponent(LabelChain, p, []byte(block))
		if err != nil {
			return nil, nil, err
		}
		if c.Kind != KindCertificate {
			return nil, nil, parseError(LabelChain, p, fmt.Errorf("block %d: expected %s, found %s", i, KindCertificate, c.Kind))
		}
		intermediates = append(intermediates, c)
	}

	chain := &Component{
		Label:    LabelChain,
		Filename: ChainFilename,
		Path:     p,
		Contents: string(contents),
		Kind:     KindCertificate,
	}
	if len(intermediates) > 0 {
		chain.Metadata = intermediates[0].Metadata
		chain.der = intermediates[0].der
	}
	return chain, intermediates, nil
}

// Labels returns the component labels in lineage order.
func (b *Bundle) Labels() []string {
	return lo.Map(files, func(f lineageFile, _ int) string {
		return f.label
	})
}

// Get returns the component for label.
func (b *Bundle) Get(label string) (*Component, bool) {
	c, ok := b.components[label]
	return c, ok
}

// ByPath returns the component read from path.
func (b *Bundle) ByPath(path string) (*Component, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false
	}
	return lo.Find(lo.Values(b.components), func(c *Component) bool {
		return c.Path == abs
	})
}

// CommonName returns the subject common name of the certificate, falling back to
// its first DNS subject alternative name.
func (b *Bundle) CommonName() string {
	if b.Cert == nil || b.Cert.Metadata == nil {
		return ""
	}
	if b.Cert.Metadata.CommonName != "" {
		return b.Cert.Metadata.CommonName
	}
	if len(b.Cert.Metadata.DNSNames) > 0 {
		return b.Cert.Metadata.DNSNames[0]
	}
	return ""
}

// Expires returns the certificate's NotAfter.
func (b *Bundle) Expires() time.Time {
	if b.Cert == nil || b.Cert.Metadata == nil {
		return time.Time{}
	}
	return b.Cert.Metadata.NotAfter
}

// ExpiresString renders Expires in UTC with seconds precision.
func (b *Bundle) ExpiresString() string {
	return b.Expires().UTC().Format(ExpiresLayout)
}

func (b *Bundle) String() string {
	return fmt.Sprintf("Bundle{path=%s, common_name=%s, expires=%s, intermediates=%d}",
		b.Path, b.CommonName(), b.ExpiresString(), len(b.Intermediates))
}
