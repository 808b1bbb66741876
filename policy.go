package ghostdns

import "github.com/miekg/dns"

// SecurityPolicy configures DNSSEC enforcement and ECS handling for the
// daemon. It is static for the lifetime of the process.
type SecurityPolicy struct {
	DnssecEnforce  bool
	DnssecFailOpen bool
	EcsPassthrough bool
}

// enableDNSSEC ensures msg carries an EDNS(0) record with DO=1. No-op when
// DNSSEC enforcement is disabled.
func (p SecurityPolicy) enableDNSSEC(msg *dns.Msg) {
	if !p.DnssecEnforce {
		return
	}
	setDNSSECOK(msg)
}

// applyECS strips the Client Subnet option from msg unless passthrough is
// configured, reporting whether anything was removed.
func (p SecurityPolicy) applyECS(msg *dns.Msg) bool {
	if p.EcsPassthrough {
		return false
	}
	return removeECS(msg)
}

// checkUpstreamDNSSEC implements the post-check described in spec §4.5: when
// enforcement is strict, an upstream response lacking the AD bit either
// fails open (pass through) or fails closed. It does not touch metrics; the
// caller counts fail-open passes.
//
// Returns (ok, failedOpen). ok reports whether the response may be passed
// through; failedOpen is true only when the response is being allowed
// through despite missing AD.
func (p SecurityPolicy) checkUpstreamDNSSEC(resp *dns.Msg) (ok bool, failedOpen bool) {
	if !p.DnssecEnforce {
		return true, false
	}
	if resp != nil && isAuthenticData(resp) {
		return true, false
	}
	if p.DnssecFailOpen {
		return true, true
	}
	return false, false
}
