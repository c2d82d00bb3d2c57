package snapshot

import (
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/cihq/internal/apperr"
)

func TestFetch_HTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("missing User-Agent")
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(pricingPage))
	}))
	defer srv.Close()

	s, err := NewFetcher(5*time.Second).Fetch(context.Background(), srv.URL+"/pricing")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if s.Title != "Acme Pricing" {
		t.Errorf("Title = %q", s.Title)
	}
	if s.URL != srv.URL+"/pricing" {
		t.Errorf("URL = %q", s.URL)
	}
}

const blogPage = `<!DOCTYPE html>
<html><head><title>Acme launches usage-based pricing</title></head>
<body>
  <div id="menu" class="menu"><a href="/">Home</a> <a href="/blog">Blog</a> <a href="/careers">Careers</a></div>
  <div class="sidebar"><p>Subscribe to the newsletter for weekly sidebar promotions.</p></div>
  <article>
    <h1>Acme launches usage-based pricing</h1>
    <p>Starting next quarter, Acme moves every self-serve customer from seat licenses to metered billing, charging per thousand API calls with a free monthly allowance for small teams.</p>
    <p>The change follows two years of customer feedback that seat counts penalised teams with many occasional users, while heavy automation workloads paid the same as light ones.</p>
    <p>Existing enterprise contracts keep their negotiated terms until renewal, after which they can choose between a committed-spend discount and pure pay-as-you-go pricing.</p>
  </article>
  <div class="footer">Copyright Acme Corp. All rights reserved. Footer boilerplate.</div>
</body></html>`

func TestFetch_ArticleTextWinsOverChrome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(blogPage))
	}))
	defer srv.Close()

	s, err := NewFetcher(5*time.Second).Fetch(context.Background(), srv.URL+"/blog/pricing")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !strings.Contains(s.TextContent, "charging per thousand API calls") {
		t.Errorf("article text missing: %q", s.TextContent)
	}
	for _, noise := range []string{"Footer boilerplate", "sidebar promotions", "Careers"} {
		if strings.Contains(s.TextContent, noise) {
			t.Errorf("TextContent contains %q: %q", noise, s.TextContent)
		}
	}
	if !strings.Contains(s.TextContent, "free monthly allowance for small teams.\n\nThe change follows") {
		t.Errorf("article paragraphs not separated: %q", s.TextContent)
	}

	full, err := NewFetcher(5*time.Second).WithExtractor(&Extractor{FullBody: true}).Fetch(context.Background(), srv.URL+"/blog/pricing")
	if err != nil {
		t.Fatalf("Fetch full body: %v", err)
	}
	if !strings.Contains(full.TextContent, "Footer boilerplate") {
		t.Errorf("FullBody dropped the footer: %q", full.TextContent)
	}
}

func TestFetch_Gzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("<html><head><title>Zipped</title></head><body><p>hi</p></body></html>"))
		gz.Close()
	}))
	defer srv.Close()

	s, err := NewFetcher(5*time.Second).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if s.Title != "Zipped" {
		t.Errorf("Title = %q", s.Title)
	}
}

func TestFetch_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/image":
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte{0x89, 'P', 'N', 'G'})
		case "/broken.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			w.Write([]byte("not really a pdf"))
		}
	}))
	defer srv.Close()

	f := NewFetcher(5 * time.Second)
	for _, target := range []string{"ftp://example.com", "::bad", srv.URL + "/missing", srv.URL + "/image", srv.URL + "/broken.pdf"} {
		_, err := f.Fetch(context.Background(), target)
		if !errors.Is(err, apperr.ErrExtractionFailure) {
			t.Errorf("Fetch(%q) error = %v, want ErrExtractionFailure", target, err)
		}
	}
}

func TestFetch_DeadlineIsTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewFetcher(5*time.Second).Fetch(ctx, srv.URL)
	if !errors.Is(err, apperr.ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
}
