package bundle

import (
	"strings"

	"github.com/samber/lo"
)

// Names returns the common name and DNS SANs of the certificate, deduplicated.
func (b *Bundle) Names() []string {
	if b.Cert == nil || b.Cert.Metadata == nil {
		return nil
	}
	names := make([]string, 0, len(b.Cert.Metadata.DNSNames)+1)
	if b.Cert.Metadata.CommonName != "" {
		names = append(names, b.Cert.Metadata.CommonName)
	}
	names = append(names, b.Cert.Metadata.DNSNames...)
	return lo.Uniq(names)
}

// CoversDomain reports whether the certificate is valid for domain.
func (b *Bundle) CoversDomain(domain string) bool {
	return lo.SomeBy(b.Names(), func(name string) bool {
		return domainMatches(name, domain)
	})
}

func domainMatches(certDomain, domain string) bool {
	certDomain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(certDomain), "."))
	domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	if certDomain == "" || domain == "" {
		return false
	}

	// Exact match
	if certDomain == domain {
		return true
	}

	// Wildcard match covers exactly one label
	if strings.HasPrefix(certDomain, "*.") {
		baseDomain := certDomain[2:]
		label, rest, ok := strings.Cut(domain, ".")
		return ok && label != "" && label != "*" && rest == baseDomain
	}

	return false
}
