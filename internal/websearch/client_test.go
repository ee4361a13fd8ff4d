package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const resultPage = `<!DOCTYPE html>
<html><body>
<div class="result">
  <h2><a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.org%2Fsky">Why the sky is blue</a></h2>
  <a class="result__snippet" href="#">Rayleigh <b>scattering</b> explains the color.</a>
</div>
<div class="result">
  <h2><a class="result__a" href="https://example.org/ocean">Ocean color</a></h2>
  <a class="result__snippet" href="#">The ocean reflects the sky.</a>
</div>
<div class="result">
  <h2><a class="result__a" href="https://example.org/third">Third result</a></h2>
  <a class="result__snippet" href="#">Extra.</a>
</div>
</body></html>`

func newTestClient(t *testing.T, handler http.HandlerFunc) *DuckDuckGo {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	d := NewDuckDuckGo(2*time.Second, 100, time.Minute)
	d.SetBaseURL(srv.URL + "/")
	return d
}

func TestSearch_ParsesResults(t *testing.T) {
	d := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "the sky is blue" {
			t.Errorf("query = %q, want %q", got, "the sky is blue")
		}
		w.Write([]byte(resultPage))
	})

	results, err := d.Search(context.Background(), "the sky is blue", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results.Query != "the sky is blue" {
		t.Errorf("Query = %q", results.Query)
	}
	if len(results.Items) != 2 {
		t.Fatalf("got %d items, want 2 (max)", len(results.Items))
	}

	first := results.Items[0]
	if first.Title != "Why the sky is blue" {
		t.Errorf("title = %q", first.Title)
	}
	if first.URL != "https://example.org/sky" {
		t.Errorf("redirect link not unwrapped: %q", first.URL)
	}
	if !strings.Contains(first.Snippet, "Rayleigh scattering") {
		t.Errorf("snippet = %q", first.Snippet)
	}
	if results.Items[1].URL != "https://example.org/ocean" {
		t.Errorf("second URL = %q", results.Items[1].URL)
	}
}

func TestSearch_CachesResults(t *testing.T) {
	var hits atomic.Int32
	d := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(resultPage))
	})

	ctx := context.Background()
	if _, err := d.Search(ctx, "repeated claim", 3); err != nil {
		t.Fatalf("first Search: %v", err)
	}
	if _, err := d.Search(ctx, "repeated claim", 3); err != nil {
		t.Fatalf("second Search: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("endpoint hit %d times, want 1 (second call served from cache)", got)
	}
}

func TestSearch_ServerError(t *testing.T) {
	d := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	if _, err := d.Search(context.Background(), "anything", 3); err == nil {
		t.Fatal("expected error for 503 response, got nil")
	}
}

func TestSearch_EmptyPage(t *testing.T) {
	d := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><p>no results</p></body></html>"))
	})

	results, err := d.Search(context.Background(), "gibberish", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results.Items) != 0 {
		t.Errorf("got %d items, want 0", len(results.Items))
	}
}

func TestCleanResultURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.org%2Fa", "https://example.org/a"},
		{"https://example.org/direct", "https://example.org/direct"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := cleanResultURL(tc.in); got != tc.want {
			t.Errorf("cleanResultURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
