package ghostdns

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"math"
	"net"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// DoTListener serves DNS-over-TLS per spec §4.8: 2-byte big-endian
// length-prefixed framing over a TLS connection advertising ALPN "dot".
type DoTListener struct {
	addr      string
	tlsConfig *tls.Config
	pipeline  *Pipeline
	asn       *ASNAnnotator
	ln        net.Listener
	closeCh   chan struct{}
}

// NewDoTListener builds a DoT listener. tlsConfig must already advertise
// ALPN "dot" (see LoadDoTServerTLSConfig). asn may be nil to disable client
// ASN annotation in debug logs.
func NewDoTListener(addr string, tlsConfig *tls.Config, pipeline *Pipeline, asn *ASNAnnotator) *DoTListener {
	return &DoTListener{addr: addr, tlsConfig: tlsConfig, pipeline: pipeline, asn: asn, closeCh: make(chan struct{})}
}

// Start accepts connections until Stop is called.
func (l *DoTListener) Start() error {
	Log.WithFields(map[string]interface{}{"protocol": "dot", "addr": l.addr}).Info("starting listener")

	ln, err := tls.Listen("tcp", l.addr, l.tlsConfig)
	if err != nil {
		return errors.Wrapf(err, "binding DoT listener at %s", l.addr)
	}
	l.ln = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.closeCh:
				return nil
			default:
				Log.WithError(err).Error("failed to accept DoT connection")
				continue
			}
		}
		go l.handleConn(conn)
	}
}

// Stop closes the listener socket; in-flight connections run to completion.
func (l *DoTListener) Stop() error {
	Log.WithFields(map[string]interface{}{"protocol": "dot", "addr": l.addr}).Info("stopping listener")
	close(l.closeCh)
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

func (l *DoTListener) String() string {
	return "DoT(" + l.addr + ")"
}

// handleConn runs the per-connection read loop described in spec §4.8.
func (l *DoTListener) handleConn(conn net.Conn) {
	defer conn.Close()

	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		l.asn.annotate(Log.WithField("protocol", "dot"), host).Debug("accepted connection")
	}

	for {
		var lenBuf [2]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			// EOF on the length prefix ends the connection cleanly.
			return
		}
		length := int(binary.BigEndian.Uint16(lenBuf[:]))
		if length == 0 {
			continue
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		out, err := l.pipeline.Resolve(context.Background(), payload)
		switch {
		case err == nil:
			if writeErr := writeDoTFrame(conn, out); writeErr != nil {
				Log.WithError(writeErr).Error("failed to write DoT response")
				return
			}
		case isMalformedOrBadRequest(err):
			// Drop the message silently and keep reading.
			continue
		default:
			resp := buildDoTErrorResponse(payload, dns.RcodeServerFailure)
			if resp == nil {
				continue
			}
			if writeErr := writeDoTFrame(conn, resp); writeErr != nil {
				Log.WithError(writeErr).Error("failed to write DoT error response")
				return
			}
		}
	}
}

func isMalformedOrBadRequest(err error) bool {
	qe, ok := err.(*QueryError)
	return ok && (qe.Kind == ErrMalformedMessage || qe.Kind == ErrBadRequest)
}

// writeDoTFrame writes payload with a 2-byte big-endian length prefix.
// Responses that cannot fit in 16 bits abort the connection with an error,
// per spec §4.8's framing invariant.
func writeDoTFrame(w io.Writer, payload []byte) error {
	if len(payload) > math.MaxUint16 {
		return errors.New("dns message exceeds DoT frame size limit")
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "writing DoT frame length")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "writing DoT frame payload")
	}
	return nil
}

// buildDoTErrorResponse synthesizes a ServFail reply preserving id, opcode,
// RD and the original question section.
func buildDoTErrorResponse(query []byte, rcode int) []byte {
	req := new(dns.Msg)
	if err := req.Unpack(query); err != nil {
		return nil
	}
	resp := new(dns.Msg)
	resp.SetRcode(req, rcode)
	resp.RecursionAvailable = true
	out, err := resp.Pack()
	if err != nil {
		return nil
	}
	return out
}
