// Package network builds the outbound HTTP client used for downloads that
// happen outside the browser.
package network

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const (
	DefaultDialTimeout           = 10 * time.Second
	DefaultKeepAliveInterval     = 30 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 30 * time.Second
	DefaultIdleConnTimeout       = 30 * time.Second
	DefaultMaxRedirects          = 10
)

// ClientConfig configures NewClient.
type ClientConfig struct {
	// RequestTimeout bounds a whole request, body included. Zero means none.
	RequestTimeout        time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxRedirects          int
	ForceHTTP2            bool
	// Proxy defaults to http.ProxyFromEnvironment.
	Proxy func(*http.Request) (*url.URL, error)
}

// NewDefaultClientConfig returns the settings used for extension downloads.
func NewDefaultClientConfig() ClientConfig {
	return ClientConfig{
		DialTimeout:           DefaultDialTimeout,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxRedirects:          DefaultMaxRedirects,
		ForceHTTP2:            true,
	}
}

// NewTransport builds the transport for cfg. HTTP/2 is negotiated through
// ALPN when ForceHTTP2 is set; a failure to configure it falls back to
// HTTP/1.1.
func NewTransport(cfg ClientConfig, logger *zap.Logger) *http.Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: DefaultKeepAliveInterval}

	proxy := cfg.Proxy
	if proxy == nil {
		proxy = http.ProxyFromEnvironment
	}

	transport := &http.Transport{
		Proxy:                 proxy,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConns:          4,
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}
	if cfg.ForceHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
		}
	} else {
		transport.TLSClientConfig.NextProtos = []string{"http/1.1"}
	}
	return transport
}

// NewClient returns a client that follows at most cfg.MaxRedirects
// redirects. The extension endpoint answers with a redirect to the archive.
func NewClient(cfg ClientConfig, logger *zap.Logger) *http.Client {
	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}
	return &http.Client{
		Transport: NewTransport(cfg, logger),
		Timeout:   cfg.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}
