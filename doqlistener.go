package ghostdns

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"time"

	"github.com/miekg/dns"
	quic "github.com/quic-go/quic-go"
)

const doqALPNProtocol = "doq"

// DoQListener is the reserved DNS-over-QUIC listener (spec §9 Open
// Question): it shares the same Pipeline as DoH/DoT and is only started
// when doq_listen is set in configuration.
type DoQListener struct {
	addr      string
	tlsConfig *tls.Config
	pipeline  *Pipeline
	ln        *quic.EarlyListener
}

// NewDoQListener builds a DoQ listener. It uses a clone of tlsConfig whose
// NextProtos is set to the "doq" ALPN token; tlsConfig itself is not changed.
func NewDoQListener(addr string, tlsConfig *tls.Config, pipeline *Pipeline) *DoQListener {
	cfg := tlsConfig.Clone()
	cfg.NextProtos = []string{doqALPNProtocol}
	return &DoQListener{addr: addr, tlsConfig: cfg, pipeline: pipeline}
}

// Start accepts QUIC connections until Stop is called.
func (l *DoQListener) Start() error {
	Log.WithFields(map[string]interface{}{"protocol": "doq", "addr": l.addr}).Info("starting listener")

	ln, err := quic.ListenAddrEarly(l.addr, l.tlsConfig, &quic.Config{
		Allow0RTT:      true,
		MaxIdleTimeout: 5 * time.Minute,
	})
	if err != nil {
		return err
	}
	l.ln = ln

	for {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			Log.WithError(err).Warn("failed to accept DoQ connection")
			return nil
		}
		go l.handleConnection(conn)
	}
}

// Stop closes the QUIC listener.
func (l *DoQListener) Stop() error {
	Log.WithFields(map[string]interface{}{"protocol": "doq", "addr": l.addr}).Info("stopping listener")
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

func (l *DoQListener) String() string {
	return "DoQ(" + l.addr + ")"
}

func (l *DoQListener) handleConnection(conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go l.handleStream(stream)
	}
}

// handleStream reads one length-prefixed query per stream, resolves it
// through the shared pipeline, and writes a length-prefixed response before
// closing the stream, matching RFC 9250's one-query-per-stream model.
func (l *DoQListener) handleStream(stream quic.Stream) {
	defer stream.Close()

	var length uint16
	if err := binary.Read(stream, binary.BigEndian, &length); err != nil {
		return
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(stream, payload); err != nil {
		return
	}

	out, err := l.pipeline.Resolve(context.Background(), payload)
	if err != nil {
		if isMalformedOrBadRequest(err) {
			return
		}
		out = buildDoTErrorResponse(payload, dns.RcodeServerFailure)
		if out == nil {
			return
		}
	}

	if writeErr := writeDoTFrame(stream, out); writeErr != nil {
		Log.WithError(writeErr).Error("failed to write DoQ response")
	}
}
