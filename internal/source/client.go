package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPageSize = 200
	defaultWorkers  = 4
	defaultTimeout  = 30 * time.Second
)

// Client is the read-only source connector.
//
// Every request goes through the shared retry policy and a circuit
// breaker: a source that starts failing hard trips the breaker instead of
// hammering it for the rest of the run.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	retry   RetryPolicy

	pageSize int
	workers  int
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient overrides the HTTP client (primarily for tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithPageSize sets the page size requested from the listing endpoint.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithWorkers sets the number of parallel page fetchers.
func WithWorkers(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a source connector for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: defaultTimeout},
		retry:    DefaultRetryPolicy(),
		pageSize: defaultPageSize,
		workers:  defaultWorkers,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "source",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return c
}

// Fetch returns one page of raw records for an entity type.
// A returned page shorter than limit means the listing is exhausted.
func (c *Client) Fetch(ctx context.Context, entityType string, offset, limit int) ([]RawRecord, error) {
	endpoint := fmt.Sprintf("%s/api/%s?%s", c.baseURL, url.PathEscape(entityType),
		url.Values{"offset": {fmt.Sprint(offset)}, "limit": {fmt.Sprint(limit)}}.Encode())

	var page listPage
	err := c.retry.do(ctx, func() error {
		return c.getJSON(ctx, endpoint, &page)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s offset=%d: %w", entityType, offset, err)
	}
	return page.Records, nil
}

// FetchAll paginates the listing endpoint exhaustively, fetching up to
// `workers` pages in parallel per wave and merging results in offset order.
//
// The only stop condition is a page strictly shorter than the requested
// size. Stopping on any fixed record-count assumption silently truncates
// the listing and makes every downstream identity lookup for the missing
// records fail as "no raw source".
func (c *Client) FetchAll(ctx context.Context, entityType string) ([]RawRecord, error) {
	var all []RawRecord
	offset := 0

	for {
		wave := make([][]RawRecord, c.workers)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.workers)
		for i := 0; i < c.workers; i++ {
			i := i
			pageOffset := offset + i*c.pageSize
			g.Go(func() error {
				page, err := c.Fetch(gctx, entityType, pageOffset, c.pageSize)
				if err != nil {
					return err
				}
				wave[i] = page
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for _, page := range wave {
			all = append(all, page...)
			if len(page) < c.pageSize {
				c.logger.Debug("source listing exhausted",
					"entity", entityType, "records", len(all))
				return all, nil
			}
		}
		offset += c.workers * c.pageSize
	}
}

// Schema fetches the source's schema document.
func (c *Client) Schema(ctx context.Context) (*SchemaDoc, error) {
	var doc SchemaDoc
	err := c.retry.do(ctx, func() error {
		return c.getJSON(ctx, c.baseURL+"/api/schema", &doc)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch schema: %w", err)
	}
	return &doc, nil
}

// getJSON performs one GET through the circuit breaker and decodes the body.
func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &TransientError{Err: err}
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			// decoded below
		case resp.StatusCode == http.StatusRequestTimeout,
			resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode >= 500:
			io.Copy(io.Discard, resp.Body)
			return nil, &TransientError{Err: fmt.Errorf("source returned %s", resp.Status)}
		default:
			io.Copy(io.Discard, resp.Body)
			return nil, fmt.Errorf("source returned %s", resp.Status)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return nil, nil
	})

	// An open breaker is a transient condition: the retry backoff gives it
	// time to half-open.
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &TransientError{Err: err}
	}
	return err
}
