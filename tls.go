package ghostdns

import (
	"crypto/tls"

	"github.com/pkg/errors"
)

// dotALPNProtocol is advertised by the DoT server per RFC 7858.
const dotALPNProtocol = "dot"

// LoadDoTServerTLSConfig builds the TLS server config for the DoT listener
// from a PEM certificate chain and a PKCS8-or-RSA private key file. Go's
// tls.LoadX509KeyPair auto-detects the private key's PEM block type, so no
// manual PKCS8-then-RSA fallback is needed the way original_source's
// load_private_key does it.
func LoadDoTServerTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, errors.Wrapf(err, "loading DoT certificate/key from %s / %s", certPath, keyPath)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{dotALPNProtocol},
	}, nil
}
