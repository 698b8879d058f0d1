// Package crawler fetches web pages as plain text and keeps the list of
// URLs that are re-crawled on a timer.
package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

var (
	ErrInvalidURL         = errors.New("invalid url")
	ErrTooLarge           = errors.New("page too large")
	ErrUnsupportedContent = errors.New("unsupported content type")
	ErrEmptyPage          = errors.New("page has no readable text")
)

const (
	DefaultTimeout   = 20 * time.Second
	DefaultMaxBytes  = 2 << 20
	DefaultUserAgent = "ragchat-crawler/1.0"
)

// Page is the readable text of one fetched URL.
type Page struct {
	URL   string
	Title string
	Text  string
}

type Fetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
	limiter   *rate.Limiter
}

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// WithRate spaces requests rps apart; zero or less disables pacing.
func WithRate(rps float64) Option {
	return func(f *Fetcher) {
		if rps > 0 {
			f.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

func NewFetcher(timeout time.Duration, opts ...Option) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	f := &Fetcher{
		client:    &http.Client{Timeout: timeout},
		maxBytes:  DefaultMaxBytes,
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return u.String(), nil
}

// Fetch downloads rawURL and returns its main text. HTML is reduced to
// headings, paragraphs, list items and table cells, preferring main or
// article content; text/plain is returned as is.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	target, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build crawl request failed: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,text/plain;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch page failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch page failed: status %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, ErrTooLarge
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read page failed: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, ErrTooLarge
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	var page *Page
	switch {
	case strings.Contains(ct, "text/html"), strings.Contains(ct, "application/xhtml"):
		page, err = parseHTML(body)
		if err != nil {
			return nil, err
		}
	case strings.Contains(ct, "text/plain"):
		text := cleanWhitespace(string(body))
		page = &Page{Title: firstLine(text), Text: text}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContent, ct)
	}

	if strings.TrimSpace(page.Text) == "" {
		return nil, ErrEmptyPage
	}
	page.URL = target
	return page, nil
}

func parseHTML(body []byte) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html failed: %w", err)
	}
	doc.Find("script, style, noscript, nav, header, footer, aside, form").Remove()
	title := strings.TrimSpace(doc.Find("title").First().Text())

	sel := doc.Find("main, article")
	if sel.Length() == 0 {
		sel = doc.Find("body")
	}
	if sel.Length() == 0 {
		sel = doc.Selection
	}

	var parts []string
	sel.Find("h1, h2, h3, h4, h5, h6, p, li, td, th, pre, blockquote").Each(func(_ int, s *goquery.Selection) {
		if t := strings.Join(strings.Fields(s.Text()), " "); t != "" {
			parts = append(parts, t)
		}
	})
	text := cleanWhitespace(strings.Join(parts, "\n"))
	if text == "" {
		text = cleanWhitespace(strings.Join(strings.Fields(sel.Text()), " "))
	}
	return &Page{Title: title, Text: text}, nil
}

var spaceBeforeNewline = regexp.MustCompile(`[ \t]+\n`)

func cleanWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = spaceBeforeNewline.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	if len(line) > 120 {
		line = line[:120]
	}
	return line
}
