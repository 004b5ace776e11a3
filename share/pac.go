package ppshare

import "fmt"

// PACContentType is the MIME type browsers expect for proxy-auto-config
// documents.
const PACContentType = "application/x-ns-proxy-autoconfig"

// GeneratePAC renders a proxy-auto-config script that routes requests for
// the custom TLD through the ingress listener and everything else direct.
func GeneratePAC(tld, host string, port int) string {
	return fmt.Sprintf(`function FindProxyForURL(url, host) {
    if (dnsDomainIs(host, ".%[1]s") || shExpMatch(host, "*.%[1]s") || host == "%[1]s") {
        return "PROXY %[2]s:%[3]d";
    }
    return "DIRECT";
}
`, tld, host, port)
}
