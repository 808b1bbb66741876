package ghostdns

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestIsCryptoName(t *testing.T) {
	cases := map[string]bool{
		"vitalik.eth":     true,
		"foo.crypto":      true,
		"bar.nft":         true,
		"baz.x":           true,
		"qux.zil":         true,
		"quux.wallet":     true,
		"VITALIK.ETH":     false, // caller must lowercase before calling
		"example.com":     false,
		"notawallet.wall": false,
	}
	for name, want := range cases {
		require.Equal(t, want, isCryptoName(name), name)
	}
}

func TestCacheKey(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion("Example.COM.", dns.TypeA)
	require.Equal(t, "example.com|A", cacheKey(q))

	empty := new(dns.Msg)
	require.Equal(t, "", cacheKey(empty))
}

func TestSetDNSSECOKCreatesEDNSRecord(t *testing.T) {
	m := new(dns.Msg)
	require.Nil(t, m.IsEdns0())

	setDNSSECOK(m)
	opt := m.IsEdns0()
	require.NotNil(t, opt)
	require.True(t, opt.Do())
}

func TestSetDNSSECOKFlipsExistingRecord(t *testing.T) {
	m := new(dns.Msg)
	m.SetEdns0(4096, false)
	require.False(t, m.IsEdns0().Do())

	setDNSSECOK(m)
	require.True(t, m.IsEdns0().Do())
}

func TestRemoveECS(t *testing.T) {
	m := new(dns.Msg)
	o := new(dns.OPT)
	o.Hdr.Name = "."
	o.Hdr.Rrtype = dns.TypeOPT
	o.Option = append(o.Option, &dns.EDNS0_SUBNET{Code: dns.EDNS0SUBNET, Family: 1, SourceNetmask: 24, Address: []byte{1, 2, 3, 0}})
	m.Extra = append(m.Extra, o)

	require.True(t, hasECS(m))
	removed := removeECS(m)
	require.True(t, removed)
	require.False(t, hasECS(m))

	// removing twice reports false the second time
	require.False(t, removeECS(m))
}

func TestRemoveECSNoEDNSRecord(t *testing.T) {
	m := new(dns.Msg)
	require.False(t, removeECS(m))
}

func TestServfailPreservesIDOpcodeAndRD(t *testing.T) {
	q := new(dns.Msg)
	q.Id = 4242
	q.Opcode = dns.OpcodeQuery
	q.RecursionDesired = true
	q.SetQuestion("example.com.", dns.TypeA)

	resp := servfail(q)
	require.Equal(t, q.Id, resp.Id)
	require.Equal(t, q.Opcode, resp.Opcode)
	require.True(t, resp.RecursionDesired)
	require.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	require.Equal(t, q.Question, resp.Question)
}
