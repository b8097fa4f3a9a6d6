// Package web implements the search provider against a web search API,
// with readable-content extraction for the top results.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	acton "github.com/actonhq/acton"
)

const (
	defaultEndpoint   = "https://api.search.brave.com/res/v1/web/search"
	defaultTimeout    = 10 * time.Second
	defaultLimit      = 5
	maxFetchBodyBytes = 1 << 20
	maxContentRunes   = 8000
)

// Option configures a Provider.
type Option func(*Provider)

// WithEndpoint overrides the search API endpoint.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithTimeout bounds each search call.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// WithContentFetch enables fetching each result page and extracting its
// readable text into the result content.
func WithContentFetch(enabled bool) Option {
	return func(p *Provider) { p.fetchContent = enabled }
}

// WithHTTPClient substitutes the HTTP client (tests use a stub
// transport).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// Provider searches the web through a Brave-compatible JSON API and
// optionally enriches results with extracted page text.
type Provider struct {
	client       *http.Client
	endpoint     string
	apiKey       string
	timeout      time.Duration
	fetchContent bool
	logger       *slog.Logger
}

var _ acton.SearchProvider = (*Provider)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Provider with the given API key.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		client:   &http.Client{Timeout: defaultTimeout},
		endpoint: defaultEndpoint,
		apiKey:   apiKey,
		timeout:  defaultTimeout,
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// searchAPIResponse mirrors the Brave web search JSON shape.
type searchAPIResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// Search queries the API and returns ranked results. Transient API
// failures are retried with backoff.
func (p *Provider) Search(ctx context.Context, req acton.SearchRequest) (acton.SearchResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return acton.SearchResponse{}, &acton.ErrInvalidInput{What: "search request", Reason: "empty query"}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	apiResp, err := acton.Retry(ctx, "web search", func() (searchAPIResponse, error) {
		return p.query(ctx, req.Query, limit)
	}, acton.RetryLogger(p.logger))
	if err != nil {
		return acton.SearchResponse{}, err
	}

	results := make([]acton.SearchResultItem, 0, limit)
	for _, r := range apiResp.Web.Results {
		if len(results) == limit {
			break
		}
		results = append(results, acton.SearchResultItem{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Description,
		})
	}

	if p.fetchContent {
		for i := range results {
			content, err := p.Fetch(ctx, results[i].URL)
			if err != nil {
				p.logger.Debug("web: content fetch failed", "url", results[i].URL, "error", err)
				continue
			}
			results[i].Content = content
		}
	}

	p.logger.Debug("web: search completed", "query", req.Query, "results", len(results))
	return acton.SearchResponse{Results: results}, nil
}

func (p *Provider) query(ctx context.Context, q string, limit int) (searchAPIResponse, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return searchAPIResponse{}, fmt.Errorf("invalid endpoint: %w", err)
	}
	vals := u.Query()
	vals.Set("q", q)
	vals.Set("count", fmt.Sprintf("%d", limit))
	u.RawQuery = vals.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return searchAPIResponse{}, err
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-Subscription-Token", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return searchAPIResponse{}, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return searchAPIResponse{}, fmt.Errorf("search API returned HTTP %d", resp.StatusCode)
	}

	var out searchAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return searchAPIResponse{}, fmt.Errorf("decode search response: %w", err)
	}
	return out, nil
}

// Fetch downloads a URL and extracts readable text.
func (p *Provider) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ActonBot/1.0)")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	html := string(body)
	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		return truncate(strings.TrimSpace(article.TextContent)), nil
	}

	// Fallback: crude tag stripping when readability finds no article.
	return truncate(stripHTML(html)), nil
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxContentRunes {
		return s
	}
	return string(runes[:maxContentRunes]) + "\n... (truncated)"
}

// stripHTML removes tags and collapses whitespace.
func stripHTML(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteRune(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
