package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	acton "github.com/actonhq/acton"
)

func TestSearchReturnsRankedResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "golang" {
			t.Errorf("expected query golang, got %q", got)
		}
		if got := r.Header.Get("X-Subscription-Token"); got != "key-1" {
			t.Errorf("expected api key header, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"web":{"results":[
			{"title":"Go","url":"https://go.dev","description":"the Go language"},
			{"title":"Go blog","url":"https://go.dev/blog","description":"news"},
			{"title":"Go docs","url":"https://go.dev/doc","description":"docs"}
		]}}`))
	}))
	defer srv.Close()

	p := New("key-1", WithEndpoint(srv.URL))
	resp, err := p.Search(context.Background(), acton.SearchRequest{Query: "golang", Limit: 2})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	if resp.Results[0].Title != "Go" || resp.Results[0].Snippet != "the Go language" {
		t.Errorf("unexpected first result %+v", resp.Results[0])
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	p := New("")
	_, err := p.Search(context.Background(), acton.SearchRequest{Query: "   "})
	var invalid *acton.ErrInvalidInput
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestFetchExtractsReadableText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>t</title></head><body>
			<article><p>First paragraph of the article body with enough text to matter.</p>
			<p>Second paragraph continues the thought.</p></article></body></html>`))
	}))
	defer srv.Close()

	p := New("")
	got, err := p.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.Contains(got, "First paragraph") {
		t.Errorf("expected extracted text, got %q", got)
	}
	if strings.Contains(got, "<p>") {
		t.Errorf("expected tags stripped, got %q", got)
	}
}

func TestStripHTML(t *testing.T) {
	got := stripHTML("<div>hello <b>world</b></div>  extra")
	if got != "hello world extra" {
		t.Errorf("unexpected strip result %q", got)
	}
}

func TestTruncateLongContent(t *testing.T) {
	long := strings.Repeat("x", maxContentRunes+100)
	got := truncate(long)
	if !strings.HasSuffix(got, "(truncated)") {
		t.Errorf("expected truncation marker")
	}
	if len([]rune(got)) >= len([]rune(long)) {
		t.Errorf("expected shorter output")
	}
}
