package manifest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultPath {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchManifest(t *testing.T) {
	srv := serve(t, http.StatusOK, `{
		"name": "monitor-1",
		"version": "1.2.0",
		"endpoint": "http://monitor-1.team-a:8000",
		"skills": [
			{"id": "get_pod_logs", "description": "Fetch pod logs", "inputSchema": {"type": "object"}},
			{"id": "get_events", "description": "List events"}
		]
	}`)

	f := NewFetcher()
	m, err := f.Fetch(context.Background(), srv.URL, time.Second)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if m.Name != "monitor-1" || m.Version != "1.2.0" {
		t.Errorf("got name=%q version=%q", m.Name, m.Version)
	}
	if m.Endpoint != "http://monitor-1.team-a:8000" {
		t.Errorf("Endpoint = %q", m.Endpoint)
	}
	if len(m.Skills) != 2 || m.Skills[0].ID != "get_pod_logs" || m.Skills[1].ID != "get_events" {
		t.Errorf("skills not preserved in order: %+v", m.Skills)
	}
	if string(m.Skills[0].InputSchema) != `{"type": "object"}` {
		t.Errorf("InputSchema = %s", m.Skills[0].InputSchema)
	}
	if m.FetchedAt.IsZero() {
		t.Error("FetchedAt not set")
	}
}

func TestFetchA2ACard(t *testing.T) {
	srv := serve(t, http.StatusOK, `{
		"name": "weather",
		"url": "http://weather.default:8000/",
		"capabilities": {"streaming": true},
		"skills": [{"name": "forecast", "description": "Weather forecast"}]
	}`)

	m, err := NewFetcher().Fetch(context.Background(), srv.URL+"/", time.Second)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if m.Endpoint != "http://weather.default:8000/" {
		t.Errorf("Endpoint = %q", m.Endpoint)
	}
	if !m.Capabilities.Streaming {
		t.Error("streaming capability not decoded")
	}
	if m.Skills[0].ID != "forecast" {
		t.Errorf("skill id should fall back to name, got %q", m.Skills[0].ID)
	}
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{"server error", http.StatusInternalServerError, "boom", KindNonSuccessStatus},
		{"not found", http.StatusNotFound, "", KindNonSuccessStatus},
		{"not json", http.StatusOK, "<html>", KindMalformedPayload},
		{"missing name", http.StatusOK, `{"endpoint":"http://x"}`, KindMalformedPayload},
		{"missing endpoint", http.StatusOK, `{"name":"x"}`, KindMalformedPayload},
		{"anonymous skill", http.StatusOK, `{"name":"x","url":"http://x","skills":[{"description":"?"}]}`, KindMalformedPayload},
		{"oversized", http.StatusOK, `{"name":"` + strings.Repeat("a", maxManifestBytes) + `"}`, KindMalformedPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, tt.status, tt.body)
			_, err := NewFetcher().Fetch(context.Background(), srv.URL, time.Second)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := KindOf(err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q (err=%v)", got, tt.want, err)
			}
		})
	}
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := NewFetcher().Fetch(context.Background(), srv.URL, 50*time.Millisecond)
	if got := KindOf(err); got != KindTimeout {
		t.Fatalf("KindOf() = %q, want timeout (err=%v)", got, err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("fetch took %v, timeout not enforced", elapsed)
	}
}

func TestFetchConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewFetcher().Fetch(context.Background(), url, time.Second)
	if got := KindOf(err); got != KindConnectionRefused {
		t.Fatalf("KindOf() = %q, want connection-refused (err=%v)", got, err)
	}
}

func TestFetchCustomPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/card" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"name":"x","url":"http://x"}`))
	}))
	defer srv.Close()

	if _, err := NewFetcher(WithPath("/card")).Fetch(context.Background(), srv.URL, time.Second); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
}

func TestFetchAuthenticatedSendsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			_, _ = w.Write([]byte(`{"name":"x","url":"http://public","supportsAuthenticatedExtendedCard":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"name":"x","url":"http://private"}`))
	}))
	defer srv.Close()

	public, err := NewFetcher().Fetch(context.Background(), srv.URL, time.Second)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !public.SupportsExtendedCard || public.Endpoint != "http://public" {
		t.Errorf("public card = %+v", public)
	}

	extended, err := NewFetcher().FetchAuthenticated(context.Background(), srv.URL, "secret", time.Second)
	if err != nil {
		t.Fatalf("FetchAuthenticated() error = %v", err)
	}
	if extended.Endpoint != "http://private" {
		t.Errorf("Endpoint = %q, want the extended card's url", extended.Endpoint)
	}

	if _, err := NewFetcher().FetchAuthenticated(context.Background(), srv.URL, "", time.Second); err == nil {
		t.Error("FetchAuthenticated() without a token should fail")
	}
}
