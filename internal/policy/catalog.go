package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rawblock/clarion/internal/metrics"
	"github.com/rawblock/clarion/pkg/models"
)

// Catalog is the fabric's policy store: the source of inherited rules and
// the sink for recommended sets. Implementations must be safe for
// concurrent use.
type Catalog interface {
	FetchRules(ctx context.Context) ([]models.PolicyRule, error)
	PushPolicySet(ctx context.Context, set *models.PolicySet) error
}

// HTTPCatalogConfig wires the REST catalog. Token is fetched per request
// so rotation needs no restart; nil means unauthenticated.
type HTTPCatalogConfig struct {
	BaseURL        string
	Token          func() (string, error)
	RequestTimeout time.Duration // per attempt
	MaxRetries     uint64
	RetryBase      time.Duration
	RetryCap       time.Duration
}

// HTTPCatalog talks to the fabric controller's REST policy store with
// capped exponential backoff per call.
type HTTPCatalog struct {
	cfg    HTTPCatalogConfig
	client *http.Client
}

// NewHTTPCatalog applies defaults to zero fields.
func NewHTTPCatalog(cfg HTTPCatalogConfig) *HTTPCatalog {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 30 * time.Second
	}
	return &HTTPCatalog{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// FetchRules pulls the currently enforced rule set.
func (c *HTTPCatalog) FetchRules(ctx context.Context) ([]models.PolicyRule, error) {
	var rules []models.PolicyRule
	err := c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/v1/policies", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := c.authorize(req); err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return catalogStatus(resp)
		}
		return json.NewDecoder(resp.Body).Decode(&rules)
	})
	if err != nil {
		return nil, fmt.Errorf("catalog fetch: %w", err)
	}
	return rules, nil
}

// PushPolicySet uploads a recommended set for operator review. The catalog
// stages it; nothing is enforced by this call.
func (c *HTTPCatalog) PushPolicySet(ctx context.Context, set *models.PolicySet) error {
	body, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("catalog encode: %w", err)
	}
	err = c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v1/policies/recommended", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if err := c.authorize(req); err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
			return catalogStatus(resp)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("catalog push: %w", err)
	}
	return nil
}

func (c *HTTPCatalog) authorize(req *http.Request) error {
	if c.cfg.Token == nil {
		return nil
	}
	token, err := c.cfg.Token()
	if err != nil {
		return fmt.Errorf("catalog credential: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// withRetry runs op under capped exponential backoff. 4xx responses are
// permanent; everything else retries up to the cap.
func (c *HTTPCatalog) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryBase
	bo.MaxInterval = c.cfg.RetryCap
	attempt := 0
	return backoff.Retry(func() error {
		if attempt > 0 {
			metrics.ExternalRetries.WithLabelValues("catalog").Inc()
		}
		attempt++
		return op()
	}, backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx))
}

func catalogStatus(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	err := fmt.Errorf("catalog status %d: %s", resp.StatusCode, snippet)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backoff.Permanent(err)
	}
	return err
}
