package capability

import (
	"net/url"
	"strings"

	"github.com/tsuzuki-app/tsuzuki/pkg/extractor"
)

// ForHost maps a hostname to the capability name an extension must hold to
// reach it. Hostnames are case-insensitive on the wire, so the mapping
// lowercases before matching.
func ForHost(host string) string {
	return extractor.CapabilityNetPrefix + strings.ToLower(host)
}

// ForURL maps a request URL to its host capability name. The port does not
// participate in matching.
func ForURL(u *url.URL) string {
	return ForHost(u.Hostname())
}
