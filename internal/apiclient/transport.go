package apiclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// Default TCP/HTTP settings tuned for a long-lived worker talking to a
// single backend host.
const (
	defaultDialTimeout           = 5 * time.Second
	defaultKeepAliveInterval     = 15 * time.Second
	defaultTLSHandshakeTimeout   = 5 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second

	defaultMaxIdleConns        = 10
	defaultMaxIdleConnsPerHost = 4
	defaultIdleConnTimeout     = 90 * time.Second
)

// TransportConfig holds the transport-layer knobs for the API client.
type TransportConfig struct {
	IgnoreTLSErrors bool
	UseHTTP3        bool
	Logger          *zap.Logger
}

// newTransport builds the round tripper for the client. HTTP/3 keeps a
// QUIC session multiplexed across requests; the TCP path prefers HTTP/2.
func newTransport(cfg TransportConfig) http.RoundTripper {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ClientSessionCache: tls.NewLRUClientSessionCache(64),
		InsecureSkipVerify: cfg.IgnoreTLSErrors,
	}

	if cfg.UseHTTP3 {
		h3TLS := tlsConfig.Clone()
		h3TLS.NextProtos = []string{"h3"}
		return &http3.RoundTripper{
			TLSClientConfig: h3TLS,
			QUICConfig: &quic.Config{
				KeepAlivePeriod: defaultKeepAliveInterval,
				MaxIdleTimeout:  defaultIdleConnTimeout,
			},
		}
	}

	dialer := &net.Dialer{
		Timeout:   defaultDialTimeout,
		KeepAlive: defaultKeepAliveInterval,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		ForceAttemptHTTP2:     true,
	}
	if err := http2.ConfigureTransport(transport); err != nil && cfg.Logger != nil {
		cfg.Logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
	}
	return transport
}
