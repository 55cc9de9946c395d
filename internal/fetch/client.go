package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"pmos/internal/domain"
)

type Options struct {
	Timeout     time.Duration
	UserAgent   string
	MaxBytes    int64
	MinInterval time.Duration
}

// Client is a polite HTTP getter: bounded time, bounded size, and a minimum
// interval between requests.
type Client struct {
	http      *http.Client
	userAgent string
	maxBytes  int64
	limiter   *rate.Limiter
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 25 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 << 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "pmos-deepening/0.1"
	}
	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (max 5)")
				}
				return nil
			},
		},
		userAgent: opts.UserAgent,
		maxBytes:  opts.MaxBytes,
		limiter:   rate.NewLimiter(limit, 1),
	}
}

type response struct {
	Body        []byte
	ContentType string
	FinalURL    string
}

// Get fetches urlStr. Network failures and non-200 responses match
// domain.ErrTransientIO.
func (c *Client) Get(ctx context.Context, urlStr, accept string) (response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return response{}, fmt.Errorf("%w: rate limit: %v", domain.ErrTransientIO, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return response{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := c.http.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("%w: fetch %s: %v", domain.ErrTransientIO, urlStr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return response{}, fmt.Errorf("%w: fetch %s: HTTP %d", domain.ErrTransientIO, urlStr, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return response{}, fmt.Errorf("%w: read body: %v", domain.ErrTransientIO, err)
	}
	if int64(len(body)) > c.maxBytes {
		return response{}, fmt.Errorf("content too large (exceeds %d bytes)", c.maxBytes)
	}
	return response{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL.String(),
	}, nil
}
