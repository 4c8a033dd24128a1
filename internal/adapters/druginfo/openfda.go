// Package druginfo looks up drug label information from the openFDA API.
// Lookups run behind a circuit breaker; when the upstream is down or the
// drug is unknown, callers fall back to the locally stored prescription
// data.
package druginfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/medbuddy/medtrack/pkg/circuitbreaker"
)

// ErrNotFound indicates the drug has no label in the FDA database.
var ErrNotFound = errors.New("druginfo: no label found")

// Info is the label summary returned to clients.
type Info struct {
	Name        string `json:"name"`
	Dosage      string `json:"dosage"`
	Source      string `json:"source"`
	Uses        string `json:"uses,omitempty"`
	Warnings    string `json:"warnings,omitempty"`
	SideEffects string `json:"side_effects,omitempty"`
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the openFDA endpoint.
	BaseURL string
	// Timeout bounds one lookup request.
	Timeout time.Duration
}

// DefaultConfig returns the public openFDA endpoint.
func DefaultConfig() Config {
	return Config{
		BaseURL: "https://api.fda.gov/drug/label.json",
		Timeout: 5 * time.Second,
	}
}

// Client queries the openFDA drug label endpoint.
type Client struct {
	config  Config
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewClient creates a drug information client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("openfda"), logger)
	if err != nil {
		return nil, err
	}

	return &Client{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
	}, nil
}

// labelResponse mirrors the slice of the openFDA payload we read.
type labelResponse struct {
	Results []struct {
		DosageAndAdministration []string `json:"dosage_and_administration"`
		IndicationsAndUsage     []string `json:"indications_and_usage"`
		Warnings                []string `json:"warnings"`
		AdverseReactions        []string `json:"adverse_reactions"`
	} `json:"results"`
}

// Lookup fetches the label for a brand name. Returns ErrNotFound when
// the FDA database has no entry; circuit-open errors surface as-is so
// the caller can fall back.
func (c *Client) Lookup(ctx context.Context, medicineName string) (*Info, error) {
	result, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		return c.fetch(ctx, medicineName)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Info), nil
}

func (c *Client) fetch(ctx context.Context, medicineName string) (*Info, error) {
	q := url.Values{}
	q.Set("search", fmt.Sprintf("openfda.brand_name:%q", medicineName))
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openfda request: %w", err)
	}
	defer resp.Body.Close()

	// openFDA answers 404 for zero matches; that is an empty result, not
	// an upstream failure.
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openfda status %d", resp.StatusCode)
	}

	var payload labelResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(payload.Results) == 0 {
		return nil, ErrNotFound
	}

	label := payload.Results[0]
	info := &Info{
		Name:   medicineName,
		Dosage: "Not specified",
		Source: "US FDA",
	}
	if len(label.DosageAndAdministration) > 0 {
		info.Dosage = label.DosageAndAdministration[0]
	}
	if len(label.IndicationsAndUsage) > 0 {
		info.Uses = label.IndicationsAndUsage[0]
	}
	if len(label.Warnings) > 0 {
		info.Warnings = label.Warnings[0]
	}
	if len(label.AdverseReactions) > 0 {
		info.SideEffects = label.AdverseReactions[0]
	}

	c.logger.Debug("drug label resolved", zap.String("medicine", medicineName))
	return info, nil
}
