package ghostdns

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

const dnsContentType = "application/dns-message"

// upstreamTimeout bounds every upstream DoH POST (spec §5: "timeouts (5s
// upstream...) enforced per request").
const upstreamTimeout = 5 * time.Second

// Pipeline is the resolution state machine from spec §4.6: decode, apply
// policy, consult the cache, classify (local synthesis vs upstream
// forward), and respond.
type Pipeline struct {
	Policy   SecurityPolicy
	Cache    *Cache
	Crypto   *CryptoResolver
	Upstream ResolvedUpstream
	Metrics  *Metrics
	client   *http.Client
}

// NewPipeline wires the components needed to resolve a query end to end.
func NewPipeline(policy SecurityPolicy, cache *Cache, crypto *CryptoResolver, upstream ResolvedUpstream, metrics *Metrics) *Pipeline {
	return &Pipeline{
		Policy:   policy,
		Cache:    cache,
		Crypto:   crypto,
		Upstream: upstream,
		Metrics:  metrics,
		client:   &http.Client{Timeout: upstreamTimeout},
	}
}

// Resolve runs the full pipeline over raw query bytes and returns raw
// response bytes, or an error classified per spec §7's taxonomy.
func (p *Pipeline) Resolve(ctx context.Context, payload []byte) ([]byte, error) {
	p.Metrics.incDoHRequests()

	req := new(dns.Msg)
	if err := req.Unpack(payload); err != nil {
		p.Metrics.incDoHInternalErrors()
		return nil, newQueryError(ErrMalformedMessage, "", err.Error())
	}
	if len(req.Question) == 0 {
		p.Metrics.incDoHInternalErrors()
		return nil, newQueryError(ErrMalformedMessage, "", "query missing question section")
	}

	p.Policy.enableDNSSEC(req)
	if p.Policy.applyECS(req) {
		p.Metrics.incEcsStripped()
	}

	key := cacheKey(req)
	if p.Cache != nil && key != "" {
		b, hit, err := p.Cache.Lookup(key)
		if err != nil {
			Log.WithError(err).Warn("dns cache lookup failed")
			p.Metrics.incCacheMisses()
		} else if hit {
			p.Metrics.incCacheHits()
			return b, nil
		} else {
			p.Metrics.incCacheMisses()
		}
	}

	name := qName(req)
	if isCryptoName(name) {
		return p.resolveLocal(req, key)
	}
	return p.resolveForward(ctx, req, key)
}

func (p *Pipeline) resolveLocal(req *dns.Msg, key string) ([]byte, error) {
	resolution, err := p.Crypto.Resolve(qName(req))
	if err != nil {
		p.Metrics.incDoHInternalErrors()
		return nil, errors.Wrap(err, "crypto resolution failed")
	}

	resp := buildTXTResponse(req, resolution)
	out, err := resp.Pack()
	if err != nil {
		p.Metrics.incDoHInternalErrors()
		return nil, errors.Wrap(err, "serializing local response")
	}

	p.Metrics.incDoHLocalResponses()
	p.storeCacheEntry(key, out, Positive)
	return out, nil
}

// buildTXTResponse synthesizes the local-resolution reply per spec §4.6:
// copy id/opcode/RD, set QR+RA, RCODE=NoError, copy questions, add one TXT
// answer TTL 60 built from "address=<addr>" plus "<key>=<value>" pairs, or
// "resolution=ok" if there were none.
func buildTXTResponse(req *dns.Msg, resolution CryptoResolution) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = false
	resp.RecursionAvailable = true
	resp.Rcode = dns.RcodeSuccess

	var parts []string
	if resolution.PrimaryAddress != "" {
		parts = append(parts, "address="+resolution.PrimaryAddress)
	}
	for k, v := range resolution.Records {
		parts = append(parts, k+"="+v)
	}
	if len(parts) == 0 {
		parts = []string{"resolution=ok"}
	}

	txt := &dns.TXT{
		Hdr: dns.RR_Header{
			Name:   req.Question[0].Name,
			Rrtype: dns.TypeTXT,
			Class:  dns.ClassINET,
			Ttl:    60,
		},
		Txt: parts,
	}
	resp.Answer = []dns.RR{txt}
	return resp
}

func (p *Pipeline) resolveForward(ctx context.Context, req *dns.Msg, key string) ([]byte, error) {
	out, err := p.forwardToUpstream(ctx, req)
	if err != nil {
		p.Metrics.incDoHUpstreamFailures()
		return nil, errors.Wrap(err, "upstream dns request failed")
	}
	p.Metrics.incDoHUpstreamResponses()

	if kind, ok := classifyResponseForCache(out); ok {
		p.storeCacheEntry(key, out, kind)
	}
	return out, nil
}

// forwardToUpstream re-applies policy on a forwarded copy, POSTs it to the
// resolved DoH endpoint, and runs the DNSSEC post-check on success.
func (p *Pipeline) forwardToUpstream(ctx context.Context, req *dns.Msg) ([]byte, error) {
	fwd := req.Copy()
	p.Policy.enableDNSSEC(fwd)
	p.Policy.applyECS(fwd)

	payload, err := fwd.Pack()
	if err != nil {
		return nil, errors.Wrap(err, "serializing message for upstream forward")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Upstream.DoHEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", dnsContentType)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "upstream doh request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("upstream doh error: %s", resp.Status)
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading upstream doh body")
	}

	if p.Policy.DnssecEnforce {
		upstreamResp := new(dns.Msg)
		if parseErr := upstreamResp.Unpack(out); parseErr != nil {
			if p.Policy.DnssecFailOpen {
				p.Metrics.incDnssecFailOpen()
				Log.WithError(parseErr).Warn("failed to parse upstream response for DNSSEC verification; allowing due to fail-open policy")
			} else {
				return nil, errors.Wrap(parseErr, "failed to parse upstream response for dnssec verification")
			}
		} else if ok, failedOpen := p.Policy.checkUpstreamDNSSEC(upstreamResp); !ok {
			return nil, ErrDnssecValidationFailed
		} else if failedOpen {
			p.Metrics.incDnssecFailOpen()
			Log.Warn("upstream response missing dnssec authentication data; allowing due to fail-open policy")
		}
	}

	return out, nil
}

func (p *Pipeline) storeCacheEntry(key string, payload []byte, kind CacheEntryKind) {
	if p.Cache == nil || key == "" {
		return
	}
	if err := p.Cache.Store(key, payload, kind); err != nil {
		Log.WithError(err).Warn("failed to store dns cache entry")
	}
}

// classifyResponseForCache unpacks resp and maps its response code to a
// cache kind, per spec §3/§4.6's cache-class decision rule.
func classifyResponseForCache(resp []byte) (CacheEntryKind, bool) {
	msg := new(dns.Msg)
	if err := msg.Unpack(resp); err != nil {
		return 0, false
	}
	return classifyForCache(msg.Rcode)
}
