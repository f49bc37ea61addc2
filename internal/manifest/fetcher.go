// Package manifest retrieves agent capability manifests from their well-known endpoint.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// DefaultPath is where agents publish their manifest.
const DefaultPath = "/.well-known/agent.json"

// maxManifestBytes caps how much of a response body is read.
const maxManifestBytes = 1 << 20

// ErrorKind classifies a failed fetch.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindConnectionRefused ErrorKind = "connection-refused"
	KindNonSuccessStatus  ErrorKind = "non-success-status"
	KindMalformedPayload  ErrorKind = "malformed-payload"
	KindOther             ErrorKind = "other"
)

// FetchError is returned for every failed fetch.
type FetchError struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindNonSuccessStatus:
		return fmt.Sprintf("fetching %s: unexpected status %d", e.URL, e.StatusCode)
	default:
		if e.Err != nil {
			return fmt.Sprintf("fetching %s: %s: %v", e.URL, e.Kind, e.Err)
		}
		return fmt.Sprintf("fetching %s: %s", e.URL, e.Kind)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// KindOf returns the FetchError kind of err, or KindOther.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindOther
}

// Skill is one advertised capability.
type Skill struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Capabilities are the optional protocol features an agent declares.
type Capabilities struct {
	Streaming bool `json:"streaming,omitempty"`
}

// CapabilityManifest is a decoded manifest. Endpoint is the invocation URL.
type CapabilityManifest struct {
	Name         string
	Description  string
	Version      string
	Endpoint     string
	Capabilities Capabilities
	Skills       []Skill
	// SupportsExtendedCard reports that an authenticated caller can fetch a
	// richer card from the same path.
	SupportsExtendedCard bool
	FetchedAt            time.Time
}

// wireManifest accepts both the plain manifest shape and A2A agent cards,
// which name the endpoint "url".
type wireManifest struct {
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Version      string       `json:"version"`
	Endpoint     string       `json:"endpoint"`
	URL          string       `json:"url"`
	Capabilities Capabilities `json:"capabilities"`
	Skills       []Skill      `json:"skills"`

	SupportsAuthenticatedExtendedCard bool `json:"supportsAuthenticatedExtendedCard"`
}

// Fetcher performs single, unretried manifest fetches.
type Fetcher struct {
	client *http.Client
	path   string
	now    func() time.Time
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithPath overrides the manifest path.
func WithPath(path string) Option {
	return func(f *Fetcher) {
		if path != "" {
			f.path = path
		}
	}
}

// NewFetcher returns a Fetcher.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{},
		path:   DefaultPath,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves the manifest served under endpointURL within timeout.
func (f *Fetcher) Fetch(ctx context.Context, endpointURL string, timeout time.Duration) (*CapabilityManifest, error) {
	return f.fetch(ctx, endpointURL, "", timeout)
}

// FetchAuthenticated is Fetch with the caller's bearer token attached. Agents
// that support it answer with their authenticated extended card.
func (f *Fetcher) FetchAuthenticated(ctx context.Context, endpointURL, token string, timeout time.Duration) (*CapabilityManifest, error) {
	if token == "" {
		return nil, &FetchError{Kind: KindOther, URL: endpointURL, Err: errors.New("no credential for extended card")}
	}
	return f.fetch(ctx, endpointURL, token, timeout)
}

func (f *Fetcher) fetch(ctx context.Context, endpointURL, token string, timeout time.Duration) (*CapabilityManifest, error) {
	url := strings.TrimSuffix(endpointURL, "/") + f.path

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindOther, URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: classify(err), URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{Kind: KindNonSuccessStatus, URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes+1))
	if err != nil {
		return nil, &FetchError{Kind: classify(err), URL: url, Err: err}
	}
	if len(body) > maxManifestBytes {
		return nil, &FetchError{Kind: KindMalformedPayload, URL: url, Err: fmt.Errorf("manifest exceeds %d bytes", maxManifestBytes)}
	}

	m, err := decode(body)
	if err != nil {
		return nil, &FetchError{Kind: KindMalformedPayload, URL: url, Err: err}
	}
	m.FetchedAt = f.now()
	return m, nil
}

func decode(body []byte) (*CapabilityManifest, error) {
	var w wireManifest
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, err
	}
	if strings.TrimSpace(w.Name) == "" {
		return nil, errors.New("manifest has no name")
	}
	endpoint := w.Endpoint
	if endpoint == "" {
		endpoint = w.URL
	}
	if endpoint == "" {
		return nil, errors.New("manifest has no endpoint")
	}

	skills := make([]Skill, 0, len(w.Skills))
	for i, s := range w.Skills {
		if s.ID == "" {
			s.ID = s.Name
		}
		if s.ID == "" {
			return nil, fmt.Errorf("skill %d has neither id nor name", i)
		}
		if len(s.InputSchema) > 0 && !json.Valid(s.InputSchema) {
			return nil, fmt.Errorf("skill %q has an invalid inputSchema", s.ID)
		}
		skills = append(skills, s)
	}

	return &CapabilityManifest{
		Name:         w.Name,
		Description:  w.Description,
		Version:      w.Version,
		Endpoint:     endpoint,
		Capabilities: w.Capabilities,
		Skills:       skills,

		SupportsExtendedCard: w.SupportsAuthenticatedExtendedCard,
	}, nil
}

func classify(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionRefused
	}
	return KindOther
}
