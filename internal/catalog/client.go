package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"commerce-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const StatusActive = "ACTIVE"

// ErrProductNotFound is returned when the catalog has no such product.
var ErrProductNotFound = errors.New("product not found")

// ProductSnapshot is the catalog's view of a product at lookup time.
type ProductSnapshot struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	StockQuantity *int            `json:"stockQuantity"`
}

// Available reports whether quantity units can be ordered. A product without a
// stock figure is treated as unlimited.
func (p *ProductSnapshot) Available(quantity int) (bool, string) {
	if !strings.EqualFold(p.Status, StatusActive) {
		return false, "Product inactive"
	}
	if p.StockQuantity != nil && *p.StockQuantity < quantity {
		return false, "Insufficient stock"
	}
	return true, ""
}

// Client looks products up in the product catalog service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
	logger     *zap.Logger
}

// NewClient creates a catalog client. Each attempt is bounded by timeout.
func NewClient(baseURL string, timeout time.Duration, maxRetries int) *Client {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: uint64(maxRetries),
		logger:     util.GetLogger(),
	}
}

// GetProduct fetches one product. Network errors and 5xx responses are
// retried with exponential backoff; a 404 is returned as ErrProductNotFound
// without retrying.
func (c *Client) GetProduct(ctx context.Context, id int64) (*ProductSnapshot, error) {
	start := time.Now()
	defer func() {
		util.CatalogLatency.Observe(time.Since(start).Seconds())
	}()

	var product *ProductSnapshot
	op := func() error {
		p, err := c.fetch(ctx, id)
		if err != nil {
			return err
		}
		product = p
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newBackOff(), c.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		util.Logger(ctx).Warn("Catalog lookup failed, retrying",
			zap.Int64("product_id", id),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return product, nil
}

func (c *Client) fetch(ctx context.Context, id int64) (*ProductSnapshot, error) {
	url := fmt.Sprintf("%s/api/v1/products/%d", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if correlationID := util.CorrelationID(ctx); correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(ErrProductNotFound)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("catalog returned status %d", resp.StatusCode))
	}

	var product ProductSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&product); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode product: %w", err))
	}
	if product.ID == 0 {
		return nil, backoff.Permanent(ErrProductNotFound)
	}
	return &product, nil
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}
