package tlsx

import (
	"fmt"

	tls "github.com/sardanioss/utls"

	"github.com/nczempin/uproxy-go-uring/errors"
)

// ServerConfig loads a certificate and key pair for TLS termination
func ServerConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.NewTransportError(
			errors.TransportErrorTLS,
			fmt.Sprintf("failed to load key pair %s/%s", certFile, keyFile),
			err,
		)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientConfig returns the configuration for TLS origination towards a
// backend. insecure skips certificate verification.
func ClientConfig(serverName string, insecure bool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
		MinVersion:         tls.VersionTLS12,
	}
}
