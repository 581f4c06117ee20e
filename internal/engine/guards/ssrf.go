package guards

import (
	"context"
	"net/netip"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/triage-ai/rampart/internal/engine"
	"github.com/triage-ai/rampart/internal/pool"
)

var ssrfTokens = []string{
	"http://", "https://", "ftp://", "file://", "gopher://", "dict://", "ldap://", "netdoc://",
}

var ssrfRules = []rule{
	{`\b(?:file|gopher|dict|ldap|tftp|netdoc)://`, "non-http URL scheme"},
}

const maxURLsPerRequest = 32

// SSRF detects URLs that point at loopback, private, link-local or
// cloud-metadata addresses.
type SSRF struct {
	base
	urls *regexp.Regexp
}

func NewSSRF(cache *pool.PatternCache) *SSRF {
	return &SSRF{
		base: newBase(cache, "ssrf", 80, engine.ThreatHigh, ssrfTokens, ssrfRules),
		urls: cache.MustCompile(`(?:https?|ftp)://[^\s"'<>\\]+`),
	}
}

func (g *SSRF) Inspect(ctx context.Context, in *engine.Input) (*engine.Result, error) {
	text := in.DecodedPayload()
	if r := g.match(ctx, text); r != nil {
		return r, nil
	}

	for _, raw := range g.urls.FindAllString(text, maxURLsPerRequest) {
		if ctx.Err() != nil {
			break
		}
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if reason := internalHost(u.Hostname()); reason != "" {
			return g.fail(reason, raw).WithMetadata("host", u.Hostname()), nil
		}
	}
	return engine.Pass(g.name), nil
}

// internalHost returns why host is not a public destination, or "".
func internalHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	switch {
	case host == "":
		return ""
	case host == "localhost" || strings.HasSuffix(host, ".localhost"):
		return "loopback hostname"
	case host == "metadata" || strings.HasSuffix(host, ".internal"):
		return "cloud metadata or internal hostname"
	case strings.HasSuffix(host, ".local"):
		return "link-local hostname"
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		// Integer and hex hosts such as 2130706433 or 0x7f000001.
		n, perr := strconv.ParseUint(host, 0, 32)
		if perr != nil {
			return ""
		}
		addr = netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
	}
	addr = addr.Unmap()

	switch {
	case addr.IsLoopback():
		return "loopback address"
	case addr.IsUnspecified():
		return "unspecified address"
	case addr.IsLinkLocalUnicast():
		return "link-local address"
	case addr.IsPrivate():
		return "private address"
	}
	return ""
}
