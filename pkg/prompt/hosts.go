package prompt

import (
	"net/url"
	"strings"
	"sync/atomic"
)

// HostPicker spreads photo URLs across CDN hosts in round-robin order.
// It is safe for concurrent use. A nil *HostPicker leaves absolute URLs
// untouched.
type HostPicker struct {
	hosts []string
	next  atomic.Uint64
}

// NewHostPicker returns a picker over the given hosts, e.g.
// "https://img1.example.com". Blank entries are ignored.
func NewHostPicker(hosts []string) *HostPicker {
	hp := &HostPicker{}
	for _, h := range hosts {
		h = strings.TrimRight(strings.TrimSpace(h), "/")
		if h != "" {
			hp.hosts = append(hp.hosts, h)
		}
	}
	return hp
}

// Pick returns the next host, or "" if none are configured.
func (hp *HostPicker) Pick() string {
	if hp == nil || len(hp.hosts) == 0 {
		return ""
	}
	n := hp.next.Add(1) - 1
	return hp.hosts[n%uint64(len(hp.hosts))]
}

// Rewrite maps a stored photo reference onto the next CDN host. Relative
// references need a host; without one they are reported as unusable.
func (hp *HostPicker) Rewrite(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}

	host := hp.Pick()
	if host == "" {
		if u.IsAbs() {
			return ref, true
		}
		return "", false
	}

	path := u.EscapedPath()
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return host + path, true
}
