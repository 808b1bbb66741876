package ghostdns

import "strings"

// UpstreamProvider is a well-known named upstream DNS provider carrying both
// a DoH and a DoT endpoint.
type UpstreamProvider struct {
	Name        string
	DoHEndpoint string
	DoTEndpoint string
	Description string
}

const defaultUpstreamProfile = "cloudflare"

// upstreamProviders is the static table of well-known providers, grounded on
// original_source/src/ghostdns.rs's UPSTREAM_PROVIDERS.
var upstreamProviders = []UpstreamProvider{
	{
		Name:        "cloudflare",
		DoHEndpoint: "https://cloudflare-dns.com/dns-query",
		DoTEndpoint: "tls://1.1.1.1",
		Description: "Cloudflare (1.1.1.1)",
	},
	{
		Name:        "cloudflare-family",
		DoHEndpoint: "https://family.cloudflare-dns.com/dns-query",
		DoTEndpoint: "tls://1.1.1.3",
		Description: "Cloudflare Family (malware/adult filtering)",
	},
	{
		Name:        "google",
		DoHEndpoint: "https://dns.google/dns-query",
		DoTEndpoint: "tls://dns.google",
		Description: "Google Public DNS",
	},
	{
		Name:        "quad9",
		DoHEndpoint: "https://dns.quad9.net/dns-query",
		DoTEndpoint: "tls://dns.quad9.net",
		Description: "Quad9 (threat blocking)",
	},
	{
		Name:        "mullvad",
		DoHEndpoint: "https://doh.mullvad.net/dns-query",
		DoTEndpoint: "tls://doh.mullvad.net",
		Description: "Mullvad Privacy DNS",
	},
}

// resolveUpstreamProfile looks up a provider by normalized (trimmed,
// lowercased) name.
func resolveUpstreamProfile(name string) (UpstreamProvider, bool) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, p := range upstreamProviders {
		if p.Name == lower {
			return p, true
		}
	}
	return UpstreamProvider{}, false
}

// defaultUpstreamProvider returns the cloudflare provider.
func defaultUpstreamProvider() UpstreamProvider {
	p, ok := resolveUpstreamProfile(defaultUpstreamProfile)
	if !ok {
		panic("default upstream profile must exist")
	}
	return p
}

// ResolvedUpstream is the concrete upstream endpoint pair computed once at
// daemon start from config.
type ResolvedUpstream struct {
	Profile     string
	DoHEndpoint string
	DoTEndpoint string
}

// resolveUpstream implements spec §4.2's ResolvedUpstream::from_config: a
// known profile takes both of the provider's endpoints; an unknown,
// non-empty profile warns and falls back to the per-field fallback
// endpoints (each independently defaulting to cloudflare's if empty).
func resolveUpstream(profile, fallbackDoH, fallbackDoT string) ResolvedUpstream {
	if profile != "" {
		if p, ok := resolveUpstreamProfile(profile); ok {
			return ResolvedUpstream{Profile: p.Name, DoHEndpoint: p.DoHEndpoint, DoTEndpoint: p.DoTEndpoint}
		}
		if strings.TrimSpace(profile) != "" {
			Log.WithField("profile", profile).Warn("unknown upstream profile; falling back to explicit endpoints")
		}
	}

	def := defaultUpstreamProvider()
	doh := fallbackDoH
	if strings.TrimSpace(doh) == "" {
		doh = def.DoHEndpoint
	}
	dot := fallbackDoT
	if strings.TrimSpace(dot) == "" {
		dot = def.DoTEndpoint
	}
	return ResolvedUpstream{Profile: profile, DoHEndpoint: doh, DoTEndpoint: dot}
}
