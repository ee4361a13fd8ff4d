package websearch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"
)

// maxResponseSize bounds how much of the search page is read.
const maxResponseSize = 2 << 20 // 2MB

// Item is a single web search result.
type Item struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Results is what one search query produced.
type Results struct {
	Query     string    `json:"query"`
	Items     []Item    `json:"items"`
	Retrieved time.Time `json:"retrieved"`
}

// Searcher performs a live web search. Implementations are optional
// collaborators of the pipeline; a nil Searcher disables the stage.
type Searcher interface {
	Search(ctx context.Context, query string, max int) (*Results, error)
}

// DuckDuckGo implements Searcher against the DuckDuckGo HTML endpoint, with a
// client-side rate limit and a TTL cache so repeated claims don't re-query.
type DuckDuckGo struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *gocache.Cache
}

// NewDuckDuckGo creates a search client. requestsPerSecond bounds outbound
// queries; cacheTTL controls how long results are reused for the same query.
func NewDuckDuckGo(timeout time.Duration, requestsPerSecond float64, cacheTTL time.Duration) *DuckDuckGo {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	if cacheTTL <= 0 {
		cacheTTL = 15 * time.Minute
	}
	return &DuckDuckGo{
		baseURL:    "https://html.duckduckgo.com/html/",
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 2),
		cache:      gocache.New(cacheTTL, 2*cacheTTL),
	}
}

// SetBaseURL overrides the search endpoint. Used by tests.
func (d *DuckDuckGo) SetBaseURL(u string) {
	d.baseURL = u
}

// Search queries the endpoint and returns up to max parsed results.
func (d *DuckDuckGo) Search(ctx context.Context, query string, max int) (*Results, error) {
	if max <= 0 {
		max = 5
	}

	cacheKey := fmt.Sprintf("%s|%d", query, max)
	if cached, ok := d.cache.Get(cacheKey); ok {
		return cached.(*Results), nil
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, fmt.Errorf("creating search request: %w", err)
	}
	req.Header.Set("User-Agent", "verimem/1.0 (claim verification)")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	items, err := parseResults(io.LimitReader(resp.Body, maxResponseSize), max)
	if err != nil {
		return nil, fmt.Errorf("parsing search results: %w", err)
	}

	results := &Results{
		Query:     query,
		Items:     items,
		Retrieved: time.Now().UTC(),
	}
	d.cache.SetDefault(cacheKey, results)
	return results, nil
}

// parseResults walks the result page and extracts title, URL, and snippet
// from each result block (anchors with the result__a / result__snippet
// classes in DuckDuckGo's HTML layout).
func parseResults(r io.Reader, max int) ([]Item, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	var items []Item
	var current *Item

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(items) >= max && current == nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			switch {
			case hasClass(n, "result__a"):
				if current != nil && current.Title != "" {
					items = append(items, *current)
				}
				current = &Item{
					Title: strings.TrimSpace(textContent(n)),
					URL:   cleanResultURL(attr(n, "href")),
				}
			case hasClass(n, "result__snippet") && current != nil:
				current.Snippet = strings.TrimSpace(textContent(n))
				items = append(items, *current)
				current = nil
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if current != nil && current.Title != "" && len(items) < max {
		items = append(items, *current)
	}
	if len(items) > max {
		items = items[:max]
	}
	return items, nil
}

func hasClass(n *html.Node, class string) bool {
	for _, field := range strings.Fields(attr(n, "class")) {
		if field == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// cleanResultURL unwraps DuckDuckGo's redirect links (//duckduckgo.com/l/?uddg=<target>)
// to the target URL; other links pass through unchanged.
func cleanResultURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if strings.HasSuffix(u.Host, "duckduckgo.com") && u.Path == "/l/" {
		if target := u.Query().Get("uddg"); target != "" {
			return target
		}
	}
	return raw
}
