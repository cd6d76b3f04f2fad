// Package oracle предоставляет клиент внешнего прайс-оракула.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coocood/freecache"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/pvolkov/momentum-system/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с прайс-оракулом.
// Опциональный кэш хранит чтения по идентификатору фида, чтобы частые
// пересчёты наград не превращались в шторм запросов к оракулу.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
	cache      *freecache.Cache
	cacheTTL   int
}

// Option настраивает клиент оракула.
type Option func(*Client)

// WithCache включает кэширование чтений на ttl секунд.
func WithCache(sizeMB int, ttl time.Duration) Option {
	return func(c *Client) {
		if sizeMB <= 0 || ttl <= 0 {
			return
		}
		c.cache = freecache.NewCache(sizeMB * 1024 * 1024)
		c.cacheTTL = int(ttl.Seconds())
	}
}

// NewClient создаёт HTTP-клиент оракула по указанному адресу.
func NewClient(baseURL string, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type priceResponse struct {
	FeedID string `json:"feed_id"`
	model.OracleReading
}

// GetPrice запрашивает чтение прайс-фида по его идентификатору.
func (c *Client) GetPrice(ctx context.Context, feedID string) (*model.OracleReading, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("oracle client not configured")
	}

	if reading, ok := c.cachedReading(feedID); ok {
		return reading, nil
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/api/price/%s", base, feedID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("unknown feed: %s", feedID)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var result priceResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if result.FeedID != "" && result.FeedID != feedID {
		return nil, fmt.Errorf("feed id mismatch: got %s, want %s", result.FeedID, feedID)
	}

	c.storeReading(feedID, &result.OracleReading)

	return &result.OracleReading, nil
}

func (c *Client) cachedReading(feedID string) (*model.OracleReading, bool) {
	if c.cache == nil {
		return nil, false
	}
	data, err := c.cache.Get([]byte(feedID))
	if err != nil {
		return nil, false
	}
	var reading model.OracleReading
	if err := json.Unmarshal(data, &reading); err != nil {
		return nil, false
	}
	return &reading, true
}

func (c *Client) storeReading(feedID string, reading *model.OracleReading) {
	if c.cache == nil {
		return
	}
	data, err := json.Marshal(reading)
	if err != nil {
		return
	}
	_ = c.cache.Set([]byte(feedID), data, c.cacheTTL)
}
