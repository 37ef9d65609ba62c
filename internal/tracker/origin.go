// Package tracker correlates browser navigation and network activity
// with tabs: a main-frame tracker keeps the per-tab origin current, and a
// request tracker watches in-flight requests to detect tab idleness and
// failed submissions.
package tracker

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Origin is the decomposed location of a navigation or request.
type Origin struct {
	Scheme    string
	Host      string
	Domain    string
	Subdomain string
	Port      string
}

// ParseOrigin decomposes a URL into its origin parts. The domain is the
// registrable domain (eTLD+1); anything left of it is the subdomain.
func ParseOrigin(rawURL string) (Origin, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Origin{}, fmt.Errorf("failed to parse url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Origin{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Origin{}, fmt.Errorf("url %q has no host", rawURL)
	}

	o := Origin{Scheme: u.Scheme, Host: host, Domain: host, Port: u.Port()}
	if etld, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		o.Domain = etld
		if sub := strings.TrimSuffix(host, etld); sub != "" {
			o.Subdomain = strings.TrimSuffix(sub, ".")
		}
	}
	return o, nil
}
