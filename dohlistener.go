package ghostdns

import (
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"time"
)

// dohServerTimeout bounds how long a single DoH request may take to read
// and write, grounded on the teacher's dohServerTimeout constant.
const dohServerTimeout = 10 * time.Second

// DoHListener serves DNS-over-HTTPS per spec §4.7: GET with a base64url
// "dns" parameter, or POST with application/dns-message.
type DoHListener struct {
	addr     string
	path     string
	pipeline *Pipeline
	asn      *ASNAnnotator
	server   *http.Server
}

// NewDoHListener builds a listener bound to addr, matching requests against
// the configured path (normalized to a leading slash by Config). asn may be
// nil to disable client ASN annotation in debug logs.
func NewDoHListener(addr, path string, pipeline *Pipeline, asn *ASNAnnotator) *DoHListener {
	l := &DoHListener{addr: addr, path: path, pipeline: pipeline, asn: asn}
	mux := http.NewServeMux()
	mux.Handle(path, http.HandlerFunc(l.dohHandler))
	l.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  dohServerTimeout,
		WriteTimeout: dohServerTimeout,
	}
	return l
}

// Start runs the DoH HTTP server until it is shut down.
func (l *DoHListener) Start() error {
	Log.WithFields(map[string]interface{}{"protocol": "doh", "addr": l.addr, "path": l.path}).Info("starting listener")
	err := l.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down.
func (l *DoHListener) Stop(ctx context.Context) error {
	Log.WithFields(map[string]interface{}{"protocol": "doh", "addr": l.addr}).Info("stopping listener")
	return l.server.Shutdown(ctx)
}

func (l *DoHListener) String() string {
	return "DoH(" + l.addr + ")"
}

func (l *DoHListener) dohHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != l.path {
		http.NotFound(w, r)
		return
	}

	var payload []byte
	var err error
	switch r.Method {
	case http.MethodGet:
		payload, err = l.decodeGetParam(r)
	case http.MethodPost:
		payload, err = l.readPostBody(r)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		l.asn.annotate(Log.WithField("protocol", "doh"), host).Debug("handling request")
	}

	out, resolveErr := l.pipeline.Resolve(r.Context(), payload)
	if resolveErr != nil {
		if qe, ok := resolveErr.(*QueryError); ok && (qe.Kind == ErrMalformedMessage || qe.Kind == ErrBadRequest) {
			http.Error(w, qe.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, resolveErr.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", dnsContentType)
	_, _ = w.Write(out)
}

func (l *DoHListener) decodeGetParam(r *http.Request) ([]byte, error) {
	b64 := r.URL.Query().Get("dns")
	if b64 == "" {
		return nil, newQueryError(ErrBadRequest, "", "missing dns query parameter")
	}
	return base64.RawURLEncoding.DecodeString(b64)
}

func (l *DoHListener) readPostBody(r *http.Request) ([]byte, error) {
	if ct := r.Header.Get("Content-Type"); ct != dnsContentType {
		return nil, newQueryError(ErrBadRequest, "", "unexpected content-type: "+ct)
	}
	return io.ReadAll(r.Body)
}
