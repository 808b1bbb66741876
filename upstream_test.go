package ghostdns

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveUpstreamKnownProfile(t *testing.T) {
	u := resolveUpstream("quad9", "", "")
	require.Equal(t, "quad9", u.Profile)
	require.Equal(t, "https://dns.quad9.net/dns-query", u.DoHEndpoint)
	require.Equal(t, "tls://dns.quad9.net", u.DoTEndpoint)
}

func TestResolveUpstreamProfileCaseInsensitive(t *testing.T) {
	u := resolveUpstream("Cloudflare-Family", "", "")
	require.Equal(t, "cloudflare-family", u.Profile)
}

func TestResolveUpstreamUnknownProfileFallsBackPerField(t *testing.T) {
	u := resolveUpstream("not-a-real-profile", "https://doh.example/dns-query", "")
	require.Equal(t, "https://doh.example/dns-query", u.DoHEndpoint)
	require.Equal(t, "tls://1.1.1.1", u.DoTEndpoint, "unset DoT falls back independently to the cloudflare default")
}

func TestResolveUpstreamEmptyProfileUsesFallbacksOrDefault(t *testing.T) {
	u := resolveUpstream("", "", "")
	require.Equal(t, "https://cloudflare-dns.com/dns-query", u.DoHEndpoint)
	require.Equal(t, "tls://1.1.1.1", u.DoTEndpoint)
}
