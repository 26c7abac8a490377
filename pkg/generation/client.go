// Package generation is the HTTP client for the test case and compliance
// generation service.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/almsync/pkg/syncerr"
	"github.com/cuemby/almsync/pkg/types"
	"github.com/rs/zerolog"
)

// Config configures the generation client
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls the generation service
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient creates a generation client
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("generation base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		http:    httpClient,
		logger:  logger,
	}, nil
}

type checkRequest struct {
	TestCases  []types.TestCasePayload `json:"test_cases"`
	Regulation string                  `json:"regulation"`
}

type checkResponse struct {
	Results []types.Evaluation `json:"results"`
}

type generateRequest struct {
	Requirement    string   `json:"requirement"`
	RegulatoryTags []string `json:"regulatory_tags"`
}

type generateResponse struct {
	TestCases []types.TestCasePayload `json:"test_cases"`
}

// CheckCompliance evaluates one test case against one regulatory tag. An
// empty result set is returned as an evaluation without a score.
func (c *Client) CheckCompliance(ctx context.Context, tc *types.TestCase, tag string) (*types.Evaluation, error) {
	var out checkResponse
	in := checkRequest{TestCases: []types.TestCasePayload{tc.Payload}, Regulation: tag}
	if err := c.post(ctx, "check_compliance", "/check-compliance", in, &out); err != nil {
		return nil, err
	}
	if len(out.Results) == 0 {
		c.logger.Debug().Str("test_id", tc.ID).Str("tag", tag).Msg("Compliance check returned no results")
		return &types.Evaluation{}, nil
	}
	return &out.Results[0], nil
}

// GenerateTestCases produces test cases for a requirement text
func (c *Client) GenerateTestCases(ctx context.Context, text string, tags []string) ([]types.TestCasePayload, error) {
	var out generateResponse
	in := generateRequest{Requirement: text, RegulatoryTags: tags}
	if err := c.post(ctx, "generate_test_cases", "/generate-test-cases", in, &out); err != nil {
		return nil, err
	}
	return out.TestCases, nil
}

func (c *Client) post(ctx context.Context, op, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := json.Marshal(in)
	if err != nil {
		return syncerr.Permanent(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return syncerr.Permanent(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return syncerr.Transient(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return syncerr.Transient(op, err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return syncerr.Transient(op, fmt.Errorf("generation service returned %d: %s", resp.StatusCode, body))
	}
	if resp.StatusCode >= 300 {
		return syncerr.Permanent(op, fmt.Errorf("generation service returned %d: %s", resp.StatusCode, body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return syncerr.Permanent(op, fmt.Errorf("failed to decode %s response: %w", op, err))
	}
	return nil
}
