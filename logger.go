package ghostdns

import (
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Log is the package-level logger. It's a plain *logrus.Logger rather than
// an interface so callers can use WithFields/WithError directly, matching
// every call site in the listeners and resolvers.
var Log = logrus.StandardLogger()

// SetLevel adjusts the verbosity of Log. Called once at startup from the
// CLI's --log-level flag.
func SetLevel(level logrus.Level) {
	Log.SetLevel(level)
}

// queryLog returns a log entry pre-populated with the fields every handler
// wants: the query name, type and the client address.
func queryLog(id string, q *dns.Msg, clientAddr string) *logrus.Entry {
	fields := logrus.Fields{"id": id}
	if clientAddr != "" {
		fields["client"] = clientAddr
	}
	if len(q.Question) > 0 {
		fields["qname"] = q.Question[0].Name
		fields["qtype"] = dns.TypeToString[q.Question[0].Qtype]
	}
	return Log.WithFields(fields)
}
