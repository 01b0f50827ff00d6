// Package fhirclient talks to the FHIR server: client-credentials token
// lifecycle with a process-global cache, authenticated GET with one-shot
// 401 refresh-and-retry, OperationOutcome diagnostics, and the
// higher-level patient/medication/observation fetch helpers the
// aggregator composes.
package fhirclient

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Bundle is a FHIR resource or Bundle, kept untyped: the aggregator only
// ever reaches into a handful of well-known fields.
type Bundle = map[string]interface{}

var candidateTokenPaths = []string{"/oauth/token", "/token", "/auth/token", "/oauth2/token"}

const tokenEarlyExpiryBuffer = 60 * time.Second

// Client is safe for concurrent use; its token cache is process-wide by
// construction (one Client is shared across all request goroutines).
type Client struct {
	base         string
	clientID     string
	clientSecret string
	tokenURL     string

	http *http.Client

	mu          sync.RWMutex
	token       string
	tokenExpiry time.Time

	refreshGroup singleflight.Group
	warmUpOnce   sync.Once
}

// Config configures a Client.
type Config struct {
	Base         string
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// New builds a Client with the connect/read/write/pool timeout budget the
// aggregator's FHIR branch is held to.
func New(cfg Config) *Client {
	return &Client{
		base:         strings.TrimRight(cfg.Base, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tokenURL:     cfg.TokenURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: 30 * time.Second,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}
}
