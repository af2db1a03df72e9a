// Package httputil provides tuned HTTP clients for outbound calls.
package httputil

import (
	"net"
	"net/http"
	"time"
)

// ClientConfig controls connection pooling and timeouts.
type ClientConfig struct {
	Timeout             time.Duration
	DialTimeout         time.Duration
	KeepAlive           time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
}

// DefaultClientConfig returns conservative defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:             30 * time.Second,
		DialTimeout:         10 * time.Second,
		KeepAlive:           30 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// GoogleClientConfig is tuned for the Google Calendar and OAuth endpoints.
// Calendar mutations are cheap but the token endpoint can be slow under load.
func GoogleClientConfig() *ClientConfig {
	cfg := DefaultClientConfig()
	cfg.Timeout = 45 * time.Second
	cfg.MaxIdleConnsPerHost = 20
	return cfg
}

// SourcePlatformClientConfig is tuned for the JustSFA API.
func SourcePlatformClientConfig() *ClientConfig {
	cfg := DefaultClientConfig()
	cfg.Timeout = 20 * time.Second
	return cfg
}

// NewClient builds an *http.Client from the config.
func NewClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   cfg.DialTimeout,
				KeepAlive: cfg.KeepAlive,
			}).DialContext,
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
			MaxConnsPerHost:     cfg.MaxConnsPerHost,
			IdleConnTimeout:     cfg.IdleConnTimeout,
			TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
			ForceAttemptHTTP2:   true,
		},
	}
}

var (
	defaultClient        *http.Client
	googleClient         *http.Client
	sourcePlatformClient *http.Client
)

func init() {
	defaultClient = NewClient(DefaultClientConfig())
	googleClient = NewClient(GoogleClientConfig())
	sourcePlatformClient = NewClient(SourcePlatformClientConfig())
}

// DefaultClient returns the shared general-purpose client.
func DefaultClient() *http.Client { return defaultClient }

// GoogleClient returns the shared client for Google APIs.
func GoogleClient() *http.Client { return googleClient }

// SourcePlatformClient returns the shared client for the source platform.
func SourcePlatformClient() *http.Client { return sourcePlatformClient }
