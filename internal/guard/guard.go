package guard

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/IliaW/doc-harvester/internal/model"
)

// RootPolicy maps a lowercase hostname to the root domain every admitted URL must sit under.
// An empty result means no trust boundary can be established.
type RootPolicy func(host string) string

// LastTwoLabels keeps the last two DNS labels of host. It is wrong for multi-label
// public suffixes such as co.uk; PublicSuffix is the alternative.
func LastTwoLabels(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return strings.Join(parts[len(parts)-2:], ".")
	}
	return host
}

// PublicSuffix returns the registrable domain (eTLD+1) of host, or "" when host is itself a public suffix.
func PublicSuffix(host string) string {
	root, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return root
}

// PolicyByName resolves a configured policy name. Unknown names fall back to LastTwoLabels.
func PolicyByName(name string) RootPolicy {
	switch strings.ToLower(name) {
	case "public_suffix":
		return PublicSuffix
	default:
		return LastTwoLabels
	}
}

// DeriveRootDomain returns the allowed root domain for seedUrl using LastTwoLabels.
func DeriveRootDomain(seedUrl string) string {
	return DeriveRootDomainWith(seedUrl, LastTwoLabels)
}

// DeriveRootDomainWith returns "" when seedUrl has no parsable hostname.
// Callers must treat "" as a reason to abort, never as "allow all".
func DeriveRootDomainWith(seedUrl string, policy RootPolicy) string {
	u, err := url.Parse(seedUrl)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ""
	}
	return policy(host)
}

// NormalizeRoot lowercases root and strips a single leading "www.".
func NormalizeRoot(root string) string {
	root = strings.ToLower(strings.TrimSpace(root))
	return strings.TrimPrefix(root, "www.")
}

// IsAllowed reports whether candidateUrl's host is root or a subdomain of root.
// Unparsable URLs and an empty root are rejected.
func IsAllowed(candidateUrl string, root string) bool {
	u, err := url.Parse(candidateUrl)
	if err != nil {
		return false
	}
	return HostAllowed(u.Hostname(), root)
}

// HostAllowed is the admission check on a bare hostname. The "." boundary is what keeps
// evilapple.com out of apple.com.
func HostAllowed(host string, root string) bool {
	root = NormalizeRoot(root)
	host = strings.ToLower(host)
	if root == "" || host == "" {
		return false
	}
	return host == root || strings.HasSuffix(host, "."+root)
}

// ParseTarget accepts only absolute http(s) URLs with a host.
func ParseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, model.MalformedUrlError
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.MalformedUrlError, err.Error())
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute http(s) url", model.MalformedUrlError, raw)
	}
	return u, nil
}

// ResolveTarget validates a seed URL and derives the root domain that scopes the scan.
func ResolveTarget(raw string, policy RootPolicy) (string, string, error) {
	u, err := ParseTarget(raw)
	if err != nil {
		return "", "", err
	}
	target := u.String()
	root := DeriveRootDomainWith(target, policy)
	if root == "" {
		return "", "", model.NoRootDomainError
	}
	return target, root, nil
}
