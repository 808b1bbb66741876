package ghostdns

import (
	"strings"

	"github.com/miekg/dns"
)

// cryptoTLDs is the fixed suffix list that routes a question to local
// synthesis instead of upstream forwarding.
var cryptoTLDs = []string{".eth", ".crypto", ".nft", ".x", ".zil", ".wallet"}

// qName returns the lowercased, dot-trimmed name of the first question, or
// "" if the message carries no question section.
func qName(q *dns.Msg) string {
	if len(q.Question) == 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(q.Question[0].Name, "."))
}

// qType returns the record type name of the first question, e.g. "A".
func qType(q *dns.Msg) string {
	if len(q.Question) == 0 {
		return ""
	}
	return dns.TypeToString[q.Question[0].Qtype]
}

// isCryptoName reports whether name (already lowercased) ends in one of the
// crypto TLDs.
func isCryptoName(name string) bool {
	for _, tld := range cryptoTLDs {
		if strings.HasSuffix(name, tld) {
			return true
		}
	}
	return false
}

// cacheKey builds the "{lowered_name}|{record_type_name}" cache key. It
// returns "" when the message carries no question, which callers must treat
// as "do not cache".
func cacheKey(q *dns.Msg) string {
	name := qName(q)
	if name == "" {
		return ""
	}
	return name + "|" + qType(q)
}

// servfail synthesizes a ServFail reply preserving id, opcode, RD and the
// original question section, per the DoT error-framing contract.
func servfail(q *dns.Msg) *dns.Msg {
	a := new(dns.Msg)
	a.SetRcode(q, dns.RcodeServerFailure)
	return a
}

// setDNSSECOK ensures an EDNS(0) record exists on msg and sets the DO bit.
// Grounded on dnssec.go's use of IsEdns0/SetEdns0/SetDo.
func setDNSSECOK(msg *dns.Msg) {
	opt := msg.IsEdns0()
	if opt == nil {
		msg.SetEdns0(4096, true)
		return
	}
	opt.SetDo(true)
}

// removeECS strips any EDNS0_SUBNET option from msg's EDNS(0) record and
// reports whether one was removed. Grounded on ecs-modifier.go.
func removeECS(msg *dns.Msg) bool {
	opt := msg.IsEdns0()
	if opt == nil {
		return false
	}
	removed := false
	kept := opt.Option[:0]
	for _, o := range opt.Option {
		if _, ok := o.(*dns.EDNS0_SUBNET); ok {
			removed = true
			continue
		}
		kept = append(kept, o)
	}
	opt.Option = kept
	return removed
}

// hasECS reports whether msg's EDNS(0) record carries a Client Subnet
// option.
func hasECS(msg *dns.Msg) bool {
	opt := msg.IsEdns0()
	if opt == nil {
		return false
	}
	for _, o := range opt.Option {
		if _, ok := o.(*dns.EDNS0_SUBNET); ok {
			return true
		}
	}
	return false
}

// isAuthenticData reports whether msg's header has the AD bit set.
func isAuthenticData(msg *dns.Msg) bool {
	return msg.AuthenticatedData
}
