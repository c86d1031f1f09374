package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"
)

const fetchUserAgent = "aap-watch/1.0 (+https://github.com/marion/aap-watch)"

// maxBodyBytes caps how much of a response we read. Sources serve
// listing pages and PDFs, not gigabyte payloads.
const maxBodyBytes = 20 << 20

var blockedPrefixStrings = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var blockedPrefixes = func() []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(blockedPrefixStrings))
	for _, s := range blockedPrefixStrings {
		if p, err := netip.ParsePrefix(s); err == nil {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes
}()

// HTTPFetcher is the shared Fetcher implementation: per-host rate
// limiting, robots.txt compliance, bounded retries with backoff, and a
// short-lived response cache so overlapping connectors do not re-fetch
// the same listing page.
type HTTPFetcher struct {
	client        *http.Client
	defaultConfig FetchConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	configs  map[string]FetchConfig
	robots   map[string]*robotstxt.RobotsData

	cache *gocache.Cache
}

// NewHTTPFetcher builds a fetcher with the given defaults. Zero-valued
// defaults get the usual fallbacks (30s timeout, 3 retries, 1 rps).
func NewHTTPFetcher(defaultConfig FetchConfig) *HTTPFetcher {
	if defaultConfig.TimeoutSeconds == 0 {
		defaultConfig.TimeoutSeconds = 30
	}
	if defaultConfig.MaxRetries == 0 {
		defaultConfig.MaxRetries = 3
	}
	if defaultConfig.RateLimitRPS == 0 {
		defaultConfig.RateLimitRPS = 1.0
	}
	if defaultConfig.AcceptLanguage == "" {
		defaultConfig.AcceptLanguage = "fr-FR,fr;q=0.9,en;q=0.5"
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           safeDialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &HTTPFetcher{
		client: &http.Client{
			Timeout:       time.Duration(defaultConfig.TimeoutSeconds) * time.Second,
			Transport:     transport,
			CheckRedirect: safeCheckRedirect,
		},
		defaultConfig: defaultConfig,
		limiters:      make(map[string]*rate.Limiter),
		configs:       make(map[string]FetchConfig),
		robots:        make(map[string]*robotstxt.RobotsData),
		cache:         gocache.New(10*time.Minute, 30*time.Minute),
	}
}

// Configure registers per-host settings taken from a source config. The
// host is derived from the source's base URL or first seed.
func (f *HTTPFetcher) Configure(cfg SourceConfig) {
	for _, raw := range append([]string{cfg.BaseURL, cfg.FeedURL}, cfg.Seeds...) {
		host, err := hostOf(raw)
		if err != nil || host == "" {
			continue
		}
		f.mu.Lock()
		f.configs[host] = withDefaults(cfg.Fetch, f.defaultConfig)
		f.mu.Unlock()
	}
}

func withDefaults(c, def FetchConfig) FetchConfig {
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = def.TimeoutSeconds
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RateLimitRPS == 0 {
		c.RateLimitRPS = def.RateLimitRPS
	}
	if c.AcceptLanguage == "" {
		c.AcceptLanguage = def.AcceptLanguage
	}
	return c
}

func hostOf(rawURL string) (string, error) {
	if rawURL == "" {
		return "", nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Host, nil
}

func (f *HTTPFetcher) configFor(host string) FetchConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cfg, ok := f.configs[host]; ok {
		return cfg
	}
	return f.defaultConfig
}

func (f *HTTPFetcher) limiterFor(host string, cfg FetchConfig) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.limiters[host]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1)
	f.limiters[host] = l
	return l
}

// Fetch implements Fetcher. The returned document's Body is always a
// fully-buffered reader, so callers may close it at leisure without
// holding a connection open.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*FetchedDocument, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	cfg := f.configFor(u.Host)

	if cached, ok := f.cache.Get(rawURL); ok {
		doc := cached.(cachedDoc)
		return doc.reopen(), nil
	}

	if cfg.RespectRobots && !f.robotsAllowed(ctx, u, cfg) {
		return nil, fmt.Errorf("disallowed by robots.txt: %s", rawURL)
	}

	if err := f.limiterFor(u.Host, cfg).Wait(ctx); err != nil {
		return nil, err
	}

	doc, err := f.fetchWithRetries(ctx, rawURL, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.CacheTTLSecs > 0 {
		body, err := io.ReadAll(io.LimitReader(doc.Body, maxBodyBytes))
		doc.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading body of %s: %w", rawURL, err)
		}
		cd := cachedDoc{doc: *doc, body: body}
		f.cache.Set(rawURL, cd, time.Duration(cfg.CacheTTLSecs)*time.Second)
		return cd.reopen(), nil
	}
	return doc, nil
}

type cachedDoc struct {
	doc  FetchedDocument
	body []byte
}

func (c cachedDoc) reopen() *FetchedDocument {
	d := c.doc
	d.Body = io.NopCloser(bytes.NewReader(c.body))
	return &d
}

// robotsAllowed fetches and caches the host's robots.txt. A missing or
// unreachable robots.txt allows the fetch; only an explicit disallow
// blocks it.
func (f *HTTPFetcher) robotsAllowed(ctx context.Context, u *url.URL, cfg FetchConfig) bool {
	f.mu.Lock()
	data, ok := f.robots[u.Host]
	f.mu.Unlock()

	if !ok {
		robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
		if err != nil {
			return true
		}
		req.Header.Set("User-Agent", fetchUserAgent)
		resp, err := f.client.Do(req)
		if err != nil {
			log.Printf("[fetch] robots.txt unreachable for %s, allowing: %v", u.Host, err)
			data = nil
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			if parsed, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body); err == nil {
				data = parsed
			}
		}
		f.mu.Lock()
		f.robots[u.Host] = data
		f.mu.Unlock()
	}

	if data == nil {
		return true
	}
	return data.FindGroup(fetchUserAgent).Test(u.RequestURI())
}

func (f *HTTPFetcher) fetchWithRetries(ctx context.Context, rawURL string, cfg FetchConfig) (*FetchedDocument, error) {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 0.5s, 1s, 2s + jitter
			backoff := time.Duration(500*(1<<uint(attempt-1))) * time.Millisecond
			jitter := time.Duration(rand.Intn(100)) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", fetchUserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,application/json;q=0.9,*/*;q=0.8")
		req.Header.Set("Accept-Language", cfg.AcceptLanguage)

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
			if shouldRetry(err, 0) {
				continue
			}
			return nil, fmt.Errorf("failed to execute request: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			return &FetchedDocument{
				URL:         rawURL,
				StatusCode:  resp.StatusCode,
				ContentType: resp.Header.Get("Content-Type"),
				Body:        resp.Body,
				FetchedAt:   time.Now().UTC(),
				Headers:     resp.Header,
			}, nil
		}

		resp.Body.Close()
		if shouldRetry(nil, resp.StatusCode) {
			lastErr = fmt.Errorf("status code %d", resp.StatusCode)
			continue
		}
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// shouldRetry determines if an error or status code should trigger a retry.
func shouldRetry(err error, statusCode int) bool {
	if err != nil {
		if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
			return true
		}
		return false
	}
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// safeDialContext wraps the default dialer to block private IPs.
func safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return nil, fmt.Errorf("blocked private IP: %s", ip)
		}
	}

	return d.DialContext(ctx, network, addr)
}

// isPrivateIP checks if an IP is in a private range or loopback/link-local.
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsLinkLocalMulticast() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}

	addr, ok := netip.AddrFromSlice(ip)
	if ok {
		for _, prefix := range blockedPrefixes {
			if prefix.Contains(addr.Unmap()) {
				return true
			}
		}
	}
	return false
}

// safeCheckRedirect limits redirects and validates destinations.
func safeCheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("stopped after 10 redirects")
	}
	if req.URL == nil {
		return fmt.Errorf("invalid redirect URL")
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return fmt.Errorf("redirect scheme blocked")
	}

	host := req.URL.Hostname()
	if host == "" {
		return fmt.Errorf("redirect host missing")
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".local") {
		return fmt.Errorf("redirect to internal host blocked")
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return err
	}
	if len(ips) == 0 {
		return fmt.Errorf("redirect host resolved to no addresses")
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("redirect to private IP blocked: %s", ip)
		}
	}

	return nil
}
