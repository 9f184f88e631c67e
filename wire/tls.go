package wire

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// TLSMode selects how the client validates the server's certificate
// when TLS is enabled: either certificate-common-name validation
// against a caller-supplied name, or trust-all (explicitly insecure)
// mode.
type TLSMode int

const (
	// TLSDisabled means no TLS: the connection is a plain TCP socket.
	TLSDisabled TLSMode = iota
	// TLSValidateCommonName validates the leaf certificate's common
	// name against a caller-supplied expected name.
	TLSValidateCommonName
	// TLSTrustAll skips all certificate validation. Explicitly insecure;
	// only meant for local development against self-signed servers.
	TLSTrustAll
)

// TLSSettings configures the optional TLS transport.
type TLSSettings struct {
	Mode                 TLSMode
	CertificateCommonName string
}

// NoTLS is the default: plain TCP.
var NoTLS = TLSSettings{Mode: TLSDisabled}

// buildTLSConfig turns TLSSettings into a *tls.Config ready for
// tls.Dial. Returns nil when TLS is disabled.
func buildTLSConfig(s TLSSettings) (*tls.Config, error) {
	switch s.Mode {
	case TLSDisabled:
		return nil, nil
	case TLSTrustAll:
		return &tls.Config{InsecureSkipVerify: true}, nil
	case TLSValidateCommonName:
		if s.CertificateCommonName == "" {
			return nil, fmt.Errorf("wire: TLSValidateCommonName requires CertificateCommonName")
		}
		cfg := &tls.Config{
			InsecureSkipVerify: true, // we do our own verification below
		}
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("wire: no server certificate presented")
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("wire: parse server certificate: %w", err)
			}
			if leaf.Subject.CommonName != s.CertificateCommonName {
				return fmt.Errorf("wire: server certificate common name %q does not match expected %q",
					leaf.Subject.CommonName, s.CertificateCommonName)
			}
			return nil
		}
		return cfg, nil
	default:
		return nil, fmt.Errorf("wire: unknown TLS mode %d", s.Mode)
	}
}
