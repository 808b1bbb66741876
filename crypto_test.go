package ghostdns

import (
	"bytes"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/require"
)

// sampleCID matches original_source/src/crypto.rs's SAMPLE_CID test fixture.
const sampleCID = "bafybeigdyrzt3nz6mx6mxwe3ieucs5cjoxgr7d5p3qsyt4nkuppk3f2nke"

func TestDecodeContenthashPassthroughSchemes(t *testing.T) {
	for _, in := range []string{
		"ipfs://bafybeig...",
		"ipns://k51qzi5uqu5...",
		"http://example.com/path",
		"https://example.com/path",
	} {
		canonical, raw := decodeContenthash(in)
		require.Equal(t, in, canonical)
		require.Equal(t, "", raw)
	}
}

func TestDecodeContenthashHexIPFS(t *testing.T) {
	c, err := cid.Decode(sampleCID)
	require.NoError(t, err)

	prefix := varint.ToUvarint(ipfsMulticodec)
	bz := append(append([]byte{}, prefix...), c.Bytes()...)
	hexInput := "0x" + hex.EncodeToString(bz)

	canonical, raw := decodeContenthash(hexInput)
	require.Equal(t, "ipfs://"+c.String(), canonical)
	require.Equal(t, hexInput, raw)
}

func TestDecodeContenthashHexIPNS(t *testing.T) {
	c, err := cid.Decode(sampleCID)
	require.NoError(t, err)

	prefix := varint.ToUvarint(ipnsMulticodec)
	bz := append(append([]byte{}, prefix...), c.Bytes()...)
	hexInput := "0x" + hex.EncodeToString(bz)

	canonical, raw := decodeContenthash(hexInput)
	require.Equal(t, "ipns://"+c.String(), canonical)
	require.Equal(t, hexInput, raw)
}

func TestDecodeContenthashUnknownCodecIsPassthrough(t *testing.T) {
	// codec 0x01 ("cidv1") is not ipfs/ipns; falls through verbatim.
	prefix := varint.ToUvarint(0x01)
	bz := append(append([]byte{}, prefix...), []byte{0xde, 0xad, 0xbe, 0xef}...)
	hexInput := "0x" + hex.EncodeToString(bz)

	canonical, raw := decodeContenthash(hexInput)
	require.Equal(t, hexInput, canonical)
	require.Equal(t, "", raw)
}

func TestDecodeContenthashInvalidHexIsPassthrough(t *testing.T) {
	for _, in := range []string{"0xzz", "0x123", "not-hex-at-all"} {
		canonical, raw := decodeContenthash(in)
		require.Equal(t, in, canonical)
		require.Equal(t, "", raw)
	}
}

func TestBuildGatewayURL(t *testing.T) {
	require.Equal(t, "http://127.0.0.1:8080/ipfs/"+sampleCID, buildGatewayURL("http://127.0.0.1:8080", "ipfs://"+sampleCID))
	require.Equal(t, "http://127.0.0.1:8080/ipns/"+sampleCID, buildGatewayURL("http://127.0.0.1:8080/", "ipns://"+sampleCID))
	require.Equal(t, "", buildGatewayURL("", "ipfs://"+sampleCID))
	require.Equal(t, "", buildGatewayURL("http://127.0.0.1:8080", "https://example.com/x"))
}

func TestEnrichContenthashSetsRecordsForHexInput(t *testing.T) {
	c, err := cid.Decode(sampleCID)
	require.NoError(t, err)
	prefix := varint.ToUvarint(ipfsMulticodec)
	bz := append(append([]byte{}, prefix...), c.Bytes()...)
	hexInput := "0x" + hex.EncodeToString(bz)

	r := &CryptoResolver{cfg: ResolversConfig{IPFSGateway: "http://127.0.0.1:8080"}}
	records := map[string]string{}
	info := r.enrichContenthash(records, hexInput)

	require.NotNil(t, info)
	require.Equal(t, "ipfs://"+c.String(), records[contenthashKey])
	require.Equal(t, hexInput, records[contenthashRawKey])
	require.Equal(t, "http://127.0.0.1:8080/ipfs/"+c.String(), records[contenthashGatewayKey])
}

func TestEnrichContenthashPassthroughURISkipsRawAndGateway(t *testing.T) {
	r := &CryptoResolver{cfg: ResolversConfig{IPFSGateway: "http://127.0.0.1:8080"}}
	records := map[string]string{}
	info := r.enrichContenthash(records, "ipfs://already-canonical")

	require.NotNil(t, info)
	require.Equal(t, "ipfs://already-canonical", records[contenthashKey])
	_, hasRaw := records[contenthashRawKey]
	require.False(t, hasRaw)
}

// fakeDoer is a minimal httpDoer stub, grounded on original_source's
// DomainResolverHttp test double and the teacher's injectable *http.Client
// pattern.
type fakeDoer struct {
	status int
	body   string
	gotReq *http.Request
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.gotReq = req
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(f.body)),
		Header:     make(http.Header),
	}, nil
}

func TestResolveEnsUsesStubbedResponse(t *testing.T) {
	fake := &fakeDoer{body: `{
		"name": "vitalik.eth",
		"address": "0x1234",
		"records": {"avatar": "ipfs://cid"},
		"contentHash": "ipfs://` + sampleCID + `"
	}`}
	r := &CryptoResolver{
		cfg:    ResolversConfig{EnsEndpoint: "https://ens.example/ens/resolve", IPFSGateway: "http://127.0.0.1:8080"},
		client: fake,
	}

	res, err := r.Resolve("vitalik.eth")
	require.NoError(t, err)
	require.Equal(t, ServiceEns, res.Service)
	require.Equal(t, "0x1234", res.PrimaryAddress)
	require.Equal(t, "ipfs://cid", res.Records["avatar"])
	require.Equal(t, "ipfs://"+sampleCID, res.Records[contenthashKey])
	require.Equal(t, "http://127.0.0.1:8080/ipfs/"+sampleCID, res.Records[contenthashGatewayKey])
	require.Equal(t, "https://ens.example/ens/resolve/vitalik.eth", fake.gotReq.URL.String())
}

func TestResolveUnstoppableRequiresCredential(t *testing.T) {
	require.NoError(t, os.Unsetenv("GHOSTDNS_TEST_UD_KEY_UNSET"))

	r := &CryptoResolver{cfg: ResolversConfig{
		UnstoppableEndpoint:  "https://ud.example/domains",
		UnstoppableAPIKeyEnv: "GHOSTDNS_TEST_UD_KEY_UNSET",
	}}
	_, err := r.Resolve("brad.crypto")
	require.Error(t, err)
	qe, ok := err.(*QueryError)
	require.True(t, ok)
	require.ErrorIs(t, qe, ErrMissingCredential)
}

func TestResolveUnstoppableUsesBearerTokenAndFlattensAddresses(t *testing.T) {
	t.Setenv("GHOSTDNS_TEST_UD_KEY", "s3cr3t")

	fake := &fakeDoer{body: `{
		"meta": {"name": "brad.crypto"},
		"records": {"ipfs.html.value": "Qm..."},
		"addresses": {"ETH": "0xabc", "BTC": "bc1..."}
	}`}
	r := &CryptoResolver{
		cfg: ResolversConfig{
			UnstoppableEndpoint:  "https://ud.example/domains",
			UnstoppableAPIKeyEnv: "GHOSTDNS_TEST_UD_KEY",
		},
		client: fake,
	}

	res, err := r.Resolve("brad.crypto")
	require.NoError(t, err)
	require.Equal(t, ServiceUnstoppable, res.Service)
	require.Equal(t, "Bearer s3cr3t", fake.gotReq.Header.Get("Authorization"))
	// BTC sorts before ETH, so it becomes the stable "first" address.
	require.Equal(t, "bc1...", res.PrimaryAddress)
	require.Equal(t, "0xabc", res.Records["address.ETH"])
	require.Equal(t, "bc1...", res.Records["address.BTC"])
	require.Equal(t, "Qm...", res.Records["ipfs.html.value"])
}

func TestResolveEnsSurfacesUpstreamHTTPError(t *testing.T) {
	fake := &fakeDoer{status: http.StatusInternalServerError, body: "boom"}
	r := &CryptoResolver{cfg: ResolversConfig{EnsEndpoint: "https://ens.example"}, client: fake}

	_, err := r.Resolve("vitalik.eth")
	require.Error(t, err)
}

func TestMaybePinContenthashPostsToIPFSAPI(t *testing.T) {
	var gotPath, gotArg string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotArg = r.URL.Query().Get("arg")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := &CryptoResolver{cfg: ResolversConfig{IPFSAPI: srv.URL}}
	err := r.maybePinContenthash(contenthashInfo{canonical: "ipfs://" + sampleCID})
	require.NoError(t, err)
	require.Equal(t, "/pin/add", gotPath)
	require.Equal(t, "/ipfs/"+sampleCID, gotArg)
}

func TestMaybePinContenthashReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream ipfs node unreachable"))
	}))
	defer srv.Close()

	r := &CryptoResolver{cfg: ResolversConfig{IPFSAPI: srv.URL}}
	err := r.maybePinContenthash(contenthashInfo{canonical: "ipfs://" + sampleCID})
	require.Error(t, err)
	require.Contains(t, err.Error(), "upstream ipfs node unreachable")
}

func TestMaybePinContenthashNoopWithoutAPIConfigured(t *testing.T) {
	r := &CryptoResolver{}
	err := r.maybePinContenthash(contenthashInfo{canonical: "ipfs://" + sampleCID})
	require.NoError(t, err)
}
