package ghostdns

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
	"github.com/pkg/errors"
)

const (
	contenthashKey        = "contenthash"
	contenthashRawKey     = "contenthash.raw"
	contenthashGatewayKey = "contenthash.gateway"

	ipfsMulticodec = 0xe3
	ipnsMulticodec = 0xe5
)

// DomainService tags which external resolver produced a CryptoResolution.
type DomainService int

const (
	ServiceEns DomainService = iota
	ServiceUnstoppable
)

func (s DomainService) String() string {
	if s == ServiceEns {
		return "ens"
	}
	return "unstoppable"
}

// CryptoResolution is the result of resolving a crypto-TLD name, per spec
// §3's CryptoResolution entity.
type CryptoResolution struct {
	Name           string
	PrimaryAddress string // "" if none
	Records        map[string]string
	Service        DomainService
}

// httpDoer is the minimal interface the crypto resolver needs from an HTTP
// client, letting tests substitute a fake without a live server — grounded
// on original_source/src/crypto.rs's DomainResolverHttp trait and on the
// teacher's own pattern of accepting an injectable *http.Client in
// dohclient.go's DoHClientOptions.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CryptoResolver resolves `.eth` names against an ENS-style endpoint and
// everything else against an Unstoppable-Domains-style endpoint, per spec
// §4.4.
type CryptoResolver struct {
	cfg    ResolversConfig
	client httpDoer
}

// NewCryptoResolver builds a resolver from configuration.
func NewCryptoResolver(cfg ResolversConfig) *CryptoResolver {
	return &CryptoResolver{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Resolve dispatches to the ENS or Unstoppable backend based on the name's
// suffix.
func (r *CryptoResolver) Resolve(name string) (CryptoResolution, error) {
	if strings.HasSuffix(name, ".eth") {
		return r.resolveEns(name)
	}
	return r.resolveUnstoppable(name)
}

type ensResponse struct {
	Name        *string           `json:"name"`
	Address     *string           `json:"address"`
	Records     map[string]string `json:"records"`
	ContentHash *string           `json:"contentHash"`
}

func (r *CryptoResolver) resolveEns(name string) (CryptoResolution, error) {
	base := strings.TrimRight(r.cfg.EnsEndpoint, "/")
	reqURL := base + "/" + name

	payload, err := r.getJSON(reqURL, nil)
	if err != nil {
		return CryptoResolution{}, errors.Wrap(err, "querying ENS resolver")
	}
	var resp ensResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return CryptoResolution{}, errors.Wrap(err, "parsing ENS resolver response")
	}

	records := resp.Records
	if records == nil {
		records = map[string]string{}
	}

	var info *contenthashInfo
	if resp.ContentHash != nil {
		info = r.enrichContenthash(records, *resp.ContentHash)
	}

	if r.cfg.IPFSAutopin && info != nil {
		if err := r.maybePinContenthash(*info); err != nil {
			Log.WithError(err).WithField("canonical", info.canonical).Warn("failed to auto-pin ENS contenthash")
		}
	}

	resolvedName := name
	if resp.Name != nil {
		resolvedName = *resp.Name
	}
	primary := ""
	if resp.Address != nil {
		primary = *resp.Address
	}

	return CryptoResolution{
		Name:           resolvedName,
		PrimaryAddress: primary,
		Records:        records,
		Service:        ServiceEns,
	}, nil
}

type udMeta struct {
	Name *string `json:"name"`
}

type udResponse struct {
	Meta      *udMeta           `json:"meta"`
	Records   map[string]string `json:"records"`
	Addresses map[string]string `json:"addresses"`
}

func (r *CryptoResolver) resolveUnstoppable(name string) (CryptoResolution, error) {
	base := strings.TrimRight(r.cfg.UnstoppableEndpoint, "/")
	reqURL := base + "/" + name

	apiKey := ""
	if r.cfg.UnstoppableAPIKeyEnv != "" {
		apiKey = os.Getenv(r.cfg.UnstoppableAPIKeyEnv)
	}
	if apiKey == "" {
		return CryptoResolution{}, newQueryError(ErrMissingCredential, name,
			"Unstoppable Domains API key not configured; set "+r.cfg.UnstoppableAPIKeyEnv)
	}

	headers := map[string]string{"Authorization": "Bearer " + apiKey}
	payload, err := r.getJSON(reqURL, headers)
	if err != nil {
		return CryptoResolution{}, errors.Wrap(err, "querying Unstoppable Domains resolver")
	}
	var resp udResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return CryptoResolution{}, errors.Wrap(err, "parsing Unstoppable Domains response")
	}

	records := resp.Records
	if records == nil {
		records = map[string]string{}
	}

	primary := ""
	if len(resp.Addresses) > 0 {
		// Map iteration order is non-deterministic in Go (as it is for
		// Rust's HashMap); sort symbols so "first address" is stable.
		symbols := make([]string, 0, len(resp.Addresses))
		for sym := range resp.Addresses {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)
		for _, sym := range symbols {
			addr := resp.Addresses[sym]
			if primary == "" {
				primary = addr
			}
			records["address."+sym] = addr
		}
	}

	resolvedName := name
	if resp.Meta != nil && resp.Meta.Name != nil {
		resolvedName = *resp.Meta.Name
	}

	return CryptoResolution{
		Name:           resolvedName,
		PrimaryAddress: primary,
		Records:        records,
		Service:        ServiceUnstoppable,
	}, nil
}

func (r *CryptoResolver) getJSON(reqURL string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query resolver at %s", reqURL)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading resolver response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("resolver request failed (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// contenthashInfo is the normalized shape of an ENS contentHash record.
type contenthashInfo struct {
	canonical string
	raw       string // "" if none
	gateway   string // "" if none
}

// enrichContenthash normalizes content and inserts contenthash[.raw][.gateway]
// keys into records, returning the normalized info (nil if content was
// empty).
func (r *CryptoResolver) enrichContenthash(records map[string]string, content string) *contenthashInfo {
	info := normaliseContenthash(content, r.cfg.IPFSGateway)
	if info == nil {
		records[contenthashKey] = content
		return nil
	}
	if info.raw != "" {
		records[contenthashRawKey] = info.raw
	}
	records[contenthashKey] = info.canonical
	if info.gateway != "" {
		records[contenthashGatewayKey] = info.gateway
	}
	return info
}

// normaliseContenthash decodes content per spec §4.4's contenthash
// normalization rules.
func normaliseContenthash(content, gateway string) *contenthashInfo {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil
	}

	canonical, raw := decodeContenthash(trimmed)

	var gw string
	if gateway != "" {
		gw = buildGatewayURL(gateway, canonical)
	}

	return &contenthashInfo{canonical: canonical, raw: raw, gateway: gw}
}

// decodeContenthash returns (canonical, raw). raw is "" unless a hex form
// was successfully decoded.
func decodeContenthash(input string) (canonical string, raw string) {
	if strings.HasPrefix(input, "ipfs://") ||
		strings.HasPrefix(input, "ipns://") ||
		strings.HasPrefix(input, "http://") ||
		strings.HasPrefix(input, "https://") {
		return input, ""
	}

	if stripped := strings.TrimPrefix(input, "0x"); stripped != input {
		if decoded, ok := decodeHexContenthash(stripped); ok {
			return decoded, input
		}
	}

	return input, ""
}

func decodeHexContenthash(hexValue string) (string, bool) {
	if hexValue == "" || len(hexValue)%2 != 0 {
		return "", false
	}
	decoded, err := hex.DecodeString(hexValue)
	if err != nil || len(decoded) == 0 {
		return "", false
	}

	codec, n, err := varint.FromUvarint(decoded)
	if err != nil || n == 0 {
		return "", false
	}
	payload := decoded[n:]

	switch codec {
	case ipfsMulticodec:
		return decodeIpfsPayload(payload)
	case ipnsMulticodec:
		return decodeIpnsPayload(payload)
	default:
		return "", false
	}
}

func decodeIpfsPayload(payload []byte) (string, bool) {
	if len(payload) == 0 {
		return "", false
	}
	c, err := cid.Cast(payload)
	if err != nil {
		return "", false
	}
	return "ipfs://" + c.String(), true
}

func decodeIpnsPayload(payload []byte) (string, bool) {
	if len(payload) == 0 {
		return "", false
	}
	c, err := cid.Cast(payload)
	if err != nil {
		return "", false
	}
	return "ipns://" + c.String(), true
}

func buildGatewayURL(base, canonical string) string {
	trimmedBase := strings.TrimSpace(base)
	if trimmedBase == "" {
		return ""
	}

	if rest := strings.TrimPrefix(canonical, "ipfs://"); rest != canonical {
		return renderGatewayURL(trimmedBase, "ipfs", rest)
	}
	if rest := strings.TrimPrefix(canonical, "ipns://"); rest != canonical {
		return renderGatewayURL(trimmedBase, "ipns", rest)
	}
	return ""
}

func renderGatewayURL(base, namespace, remainder string) string {
	prefix := strings.TrimRight(base, "/")
	tail := strings.TrimLeft(remainder, "/")
	if tail == "" {
		return fmt.Sprintf("%s/%s", prefix, namespace)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, namespace, tail)
}

// maybePinContenthash fires a best-effort IPFS pin-add request when
// IPFSAPI is configured. Failures are returned to the caller, who logs and
// ignores them (spec §4.4, §9: "Auto-pin failures are logged only; there
// is no retry queue").
func (r *CryptoResolver) maybePinContenthash(info contenthashInfo) error {
	if r.cfg.IPFSAPI == "" {
		return nil
	}

	canonical := strings.TrimSpace(info.canonical)
	var namespace, remainder string
	if rest := strings.TrimPrefix(canonical, "ipfs://"); rest != canonical {
		namespace, remainder = "ipfs", rest
	} else if rest := strings.TrimPrefix(canonical, "ipns://"); rest != canonical {
		namespace, remainder = "ipns", rest
	} else {
		return nil
	}

	trimmed := strings.TrimLeft(remainder, "/")
	if trimmed == "" {
		return nil
	}

	arg := "/" + namespace + "/" + trimmed
	endpoint := strings.TrimRight(r.cfg.IPFSAPI, "/") + "/pin/add"

	u, err := url.Parse(endpoint)
	if err != nil {
		return errors.Wrap(err, "invalid IPFS API endpoint")
	}
	q := u.Query()
	q.Set("arg", arg)
	u.RawQuery = q.Encode()

	client := &http.Client{Timeout: 8 * time.Second}
	req, err := http.NewRequest(http.MethodPost, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "sending IPFS pin request to %s", endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return errors.Errorf("IPFS pin request failed (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}
