package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/almsync/pkg/metrics"
	"github.com/cuemby/almsync/pkg/syncerr"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	apiPrefix    = "/rest/api/3"
	maxBodyBytes = 1 << 20
	searchFields = "key,summary,description,priority,status,assignee,created,updated,issuetype,labels"
)

// Config configures a tracker client
type Config struct {
	BaseURL           string
	Username          string
	APIToken          string
	ProjectKey        string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	// HTTPClient overrides the default transport, mainly for tests
	HTTPClient *http.Client
}

// StatusError is a non-2xx response from the tracker
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tracker returned %d: %s", e.StatusCode, e.Body)
}

// Client is a typed client for the tracker REST API. Every call waits on a
// shared rate limiter and is bounded by the configured timeout.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewClient creates a tracker client
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tracker base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid tracker base url: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

type createResponse struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

type issueLink struct {
	Type         Named        `json:"type"`
	InwardIssue  keyRef       `json:"inwardIssue"`
	OutwardIssue keyRef       `json:"outwardIssue"`
	Comment      *linkComment `json:"comment,omitempty"`
}

type keyRef struct {
	Key string `json:"key"`
}

type linkComment struct {
	Body Node `json:"body"`
}

type searchResponse struct {
	Total  int     `json:"total"`
	Issues []Issue `json:"issues"`
}

func (c *Client) fields(in IssueInput, create bool) map[string]any {
	fields := map[string]any{"description": in.Description}
	if in.Summary != "" || create {
		fields["summary"] = in.Summary
	}
	if in.Labels != nil || create {
		fields["labels"] = in.Labels
	}
	if in.Priority != "" {
		fields["priority"] = Named{Name: in.Priority}
	}
	if create {
		fields["project"] = keyRef{Key: c.cfg.ProjectKey}
		fields["issuetype"] = Named{Name: in.IssueType}
	}
	return fields
}

// labelOp is one entry of an update verb list, {"add": "label"}
type labelOp struct {
	Add string `json:"add"`
}

func updateOps(in IssueInput) map[string]any {
	if len(in.AddLabels) == 0 {
		return nil
	}
	ops := make([]labelOp, 0, len(in.AddLabels))
	for _, l := range in.AddLabels {
		ops = append(ops, labelOp{Add: l})
	}
	return map[string]any{"labels": ops}
}

// CreateIssue creates a remote issue and returns its key
func (c *Client) CreateIssue(ctx context.Context, in IssueInput) (string, error) {
	var out createResponse
	body := map[string]any{"fields": c.fields(in, true)}
	if err := c.do(ctx, "create_issue", "", http.MethodPost, apiPrefix+"/issue", body, &out); err != nil {
		return "", err
	}
	if out.Key == "" {
		return "", syncerr.Permanent("create_issue", fmt.Errorf("tracker response carried no key"))
	}
	return out.Key, nil
}

// UpdateIssue writes the set fields of an existing issue. A missing issue
// yields a stale-reference error.
func (c *Client) UpdateIssue(ctx context.Context, key string, in IssueInput) error {
	body := map[string]any{"fields": c.fields(in, false)}
	if ops := updateOps(in); ops != nil {
		body["update"] = ops
	}
	return c.do(ctx, "update_issue", key, http.MethodPut, apiPrefix+"/issue/"+url.PathEscape(key), body, nil)
}

// GetIssue fetches an issue by key
func (c *Client) GetIssue(ctx context.Context, key string) (*Issue, error) {
	var out Issue
	path := apiPrefix + "/issue/" + url.PathEscape(key) + "?fields=" + url.QueryEscape(searchFields)
	if err := c.do(ctx, "get_issue", key, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateLink links two issues. The inward issue is the defect, the
// outward issue the requirement it relates to.
func (c *Client) CreateLink(ctx context.Context, linkType, inwardKey, outwardKey string) error {
	body := issueLink{
		Type:         Named{Name: linkType},
		InwardIssue:  keyRef{Key: inwardKey},
		OutwardIssue: keyRef{Key: outwardKey},
		Comment: &linkComment{
			Body: Doc(Paragraph(Text("Automatically linked by almsync."))),
		},
	}
	return c.do(ctx, "create_link", "", http.MethodPost, apiPrefix+"/issueLink", body, nil)
}

// SearchByLabel returns the issues in the project carrying label
func (c *Client) SearchByLabel(ctx context.Context, label string) ([]Issue, error) {
	jql := fmt.Sprintf("project = %q AND labels = %q", c.cfg.ProjectKey, label)
	q := url.Values{}
	q.Set("jql", jql)
	q.Set("fields", searchFields)
	q.Set("maxResults", "10")

	var out searchResponse
	if err := c.do(ctx, "search", "", http.MethodGet, apiPrefix+"/search?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Issues, nil
}

// Ping checks the credentials against the tracker
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", "", http.MethodGet, apiPrefix+"/myself", nil, nil)
}

// do performs one request. key names the addressed issue so a 404 can be
// reported as a stale reference.
func (c *Client) do(ctx context.Context, op, key, method, path string, in, out any) (err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.TrackerRequestDuration, op)
		result := "ok"
		if err != nil {
			result = syncerr.ClassOf(err).String()
		}
		metrics.TrackerRequestsTotal.WithLabelValues(op, result).Inc()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return syncerr.Transient(op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return syncerr.Permanent(op, fmt.Errorf("failed to encode request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return syncerr.Permanent(op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.APIToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return syncerr.Transient(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return syncerr.Transient(op, fmt.Errorf("failed to read response: %w", err))
	}

	c.logger.Debug().
		Str("op", op).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Msg("Tracker request")

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return syncerr.Permanent(op, fmt.Errorf("failed to decode response: %w", err))
			}
		}
		return nil
	case resp.StatusCode == http.StatusNotFound && key != "":
		return syncerr.Stale(op, key)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return syncerr.Transient(op, &StatusError{StatusCode: resp.StatusCode, Body: string(data)})
	default:
		return syncerr.Permanent(op, &StatusError{StatusCode: resp.StatusCode, Body: string(data)})
	}
}
