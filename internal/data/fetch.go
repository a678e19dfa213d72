package data

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultAPIKeyParam       = "key"
	defaultTimeoutSeconds    = 30
	defaultMaxWorkers        = 10
	defaultRequestsPerSecond = 2
	defaultBurst             = 10
	defaultUserAgent         = "cendat/0.1"
)

type Config struct {
	APIKey            string
	APIKeyParam       string
	Timeout           time.Duration
	MaxWorkers        int
	RequestsPerSecond int
	Burst             int
	UserAgent         string
	Logger            zerolog.Logger
}

// ConfigFromEnv reads the fetch-stage knobs from CENSUS_* environment
// variables.
func ConfigFromEnv() Config {
	return Config{
		APIKey:            strings.TrimSpace(os.Getenv("CENSUS_API_KEY")),
		APIKeyParam:       getenv("CENSUS_API_KEY_PARAM", defaultAPIKeyParam),
		Timeout:           time.Duration(getenvInt("CENSUS_DATA_TIMEOUT_SECONDS", defaultTimeoutSeconds)) * time.Second,
		MaxWorkers:        getenvInt("CENSUS_MAX_WORKERS", defaultMaxWorkers),
		RequestsPerSecond: getenvInt("CENSUS_RATE_LIMIT_PER_SEC", defaultRequestsPerSecond),
		Burst:             getenvInt("CENSUS_RATE_LIMIT_BURST", defaultBurst),
		UserAgent:         getenv("CENSUS_USER_AGENT", defaultUserAgent),
	}
}

// Client executes expanded requests with a bounded worker pool and a shared
// rate limiter.
type Client struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

func New() (*Client, error) {
	return NewWithConfig(ConfigFromEnv())
}

func NewWithConfig(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKeyParam) == "" {
		cfg.APIKeyParam = defaultAPIKeyParam
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeoutSeconds * time.Second
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	return &Client{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		log:     cfg.Logger,
	}, nil
}

// Fetch executes the requests concurrently. A failed request is logged and
// surfaced as a warning, never as an error: partial results are the normal
// outcome of a large parameter expansion. Dataset order follows request
// order regardless of completion order.
func (c *Client) Fetch(ctx context.Context, requests []Request) (*Result, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("%w: nothing to fetch", ErrIncompleteSelection)
	}

	datasets := make([]*Dataset, len(requests))
	var mu sync.Mutex
	warnings := make([]string, 0)

	g := new(errgroup.Group)
	g.SetLimit(c.config.MaxWorkers)
	for i, req := range requests {
		g.Go(func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				mu.Lock()
				warnings = append(warnings, fmt.Sprintf("request for %q aborted: %v", req.Product, err))
				mu.Unlock()
				return nil
			}
			dataset, err := c.fetchOne(ctx, req)
			if err != nil {
				c.log.Warn().Err(err).Str("product", req.Product).Str("for", req.For).Msg("data fetch failed")
				mu.Lock()
				warnings = append(warnings, fmt.Sprintf("request for %q (%s) failed: %v", req.Product, req.For, err))
				mu.Unlock()
				return nil
			}
			datasets[i] = dataset
			return nil
		})
	}
	_ = g.Wait()

	result := &Result{Warnings: warnings}
	for _, dataset := range datasets {
		if dataset != nil {
			result.Datasets = append(result.Datasets, *dataset)
		}
	}
	return result, nil
}

func (c *Client) fetchOne(ctx context.Context, request Request) (*Dataset, error) {
	uri, err := c.requestURL(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("data: request failed (%s): %s", resp.Status, strings.TrimSpace(string(body)))
	}

	header, rows, err := parseTable(body)
	if err != nil {
		return nil, err
	}
	return &Dataset{
		Product: request.Product,
		Vintage: request.Vintage,
		Header:  header,
		Rows:    rows,
	}, nil
}

func (c *Client) requestURL(request Request) (string, error) {
	parsed, err := url.Parse(request.BaseURL)
	if err != nil {
		return "", fmt.Errorf("data: invalid base url %q: %w", request.BaseURL, err)
	}

	query := parsed.Query()
	query.Set("get", strings.Join(request.Variables, ","))
	if request.For != "" {
		query.Set("for", request.For)
	}
	if len(request.In) > 0 {
		query.Set("in", strings.Join(request.In, " "))
	}
	if strings.TrimSpace(c.config.APIKey) != "" {
		query.Set(c.config.APIKeyParam, c.config.APIKey)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// parseTable decodes the API's array-of-arrays shape: the first row is the
// header, every other row is data. Non-string values are stringified; nulls
// become empty strings.
func parseTable(body []byte) ([]string, [][]string, error) {
	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, fmt.Errorf("data: decoding response: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil, fmt.Errorf("data: empty response")
	}

	header := stringifyRow(raw[0])
	rows := make([][]string, 0, len(raw)-1)
	for _, rawRow := range raw[1:] {
		rows = append(rows, stringifyRow(rawRow))
	}
	return header, rows, nil
}

func stringifyRow(raw []any) []string {
	row := make([]string, len(raw))
	for i, value := range raw {
		switch typed := value.(type) {
		case nil:
			row[i] = ""
		case string:
			row[i] = typed
		case float64:
			row[i] = strconv.FormatFloat(typed, 'f', -1, 64)
		case bool:
			row[i] = strconv.FormatBool(typed)
		default:
			row[i] = fmt.Sprintf("%v", typed)
		}
	}
	return row
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
