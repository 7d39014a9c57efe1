// Package backend is the request/response client for the analysis API: it
// submits builds and reads build history, reports, file trees and issues.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/buildwatch/internal/telemetry"
)

// ErrNotFound is returned when the backend has no data for the request.
var ErrNotFound = errors.New("backend: not found")

// APIError is a non-2xx reply from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: status %d", e.Status)
	}
	return fmt.Sprintf("backend: status %d: %s", e.Status, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match 404 replies.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
	Retry      RetryPolicy
	Logger     *zap.Logger
}

// Client talks to the analysis API. It is safe for concurrent use.
type Client struct {
	base   *url.URL
	http   *http.Client
	retry  RetryPolicy
	logger *zap.Logger
}

// NewClient validates the base URL and builds a Client.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("backend: base url is required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend: unsupported scheme %q", base.Scheme)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	retry := opts.Retry
	if retry == nil {
		retry = NewExponentialRetryPolicy(opts.MaxRetries)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: base, http: httpClient, retry: retry, logger: logger.Named("backend")}, nil
}

// NormalizeRepo trims whitespace and trailing slashes the way the backend
// does before queueing a build.
func NormalizeRepo(repo string) string {
	return strings.TrimRight(strings.TrimSpace(repo), "/")
}

// SubmitBuild queues an analysis of repo. It is never retried: a failed
// submission is reported to the caller as is.
func (c *Client) SubmitBuild(ctx context.Context, repo string) (Build, error) {
	repo = NormalizeRepo(repo)
	if repo == "" {
		return Build{}, errors.New("backend: repo is required")
	}
	body, err := json.Marshal(map[string]string{"repo": repo})
	if err != nil {
		return Build{}, fmt.Errorf("backend: encode build request: %w", err)
	}
	data, err := c.do(ctx, http.MethodPost, "build/", nil, body)
	if err != nil {
		return Build{}, fmt.Errorf("submit build %s: %w", repo, err)
	}
	build := Build{Repo: repo}
	if len(bytes.TrimSpace(data)) == 0 {
		return build, nil
	}
	if err := json.Unmarshal(data, &build); err != nil {
		return Build{}, fmt.Errorf("submit build %s: decode reply: %w", repo, err)
	}
	if build.Repo == "" {
		build.Repo = repo
	}
	return build, nil
}

// FetchLastBuilds lists the most recent builds across all repositories.
func (c *Client) FetchLastBuilds(ctx context.Context) ([]Build, error) {
	var builds []Build
	if err := c.getJSON(ctx, "last_builds/", nil, &builds); err != nil {
		return nil, fmt.Errorf("fetch last builds: %w", err)
	}
	return builds, nil
}

// FetchRepoBuilds lists the builds of one repository, newest first.
func (c *Client) FetchRepoBuilds(ctx context.Context, repo string) ([]Build, error) {
	q := url.Values{"repo": {NormalizeRepo(repo)}}
	var builds []Build
	if err := c.getJSON(ctx, "last_repo_builds/", q, &builds); err != nil {
		return nil, fmt.Errorf("fetch builds of %s: %w", repo, err)
	}
	return builds, nil
}

// FetchBuildSummary returns the report of build no, or of the latest build
// when no is not positive.
func (c *Client) FetchBuildSummary(ctx context.Context, repo string, no int) (Report, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "reports/", buildQuery(repo, no), &raw); err != nil {
		return Report{}, fmt.Errorf("fetch report of %s: %w", repo, err)
	}
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return Report{}, fmt.Errorf("fetch report of %s: decode: %w", repo, err)
	}
	report.Raw = raw
	return report, nil
}

// FetchFiles returns the source tree nodes of a build.
func (c *Client) FetchFiles(ctx context.Context, repo string, no int) ([]Node, error) {
	var nodes []Node
	if err := c.getJSON(ctx, "files/", buildQuery(repo, no), &nodes); err != nil {
		return nil, fmt.Errorf("fetch files of %s: %w", repo, err)
	}
	return nodes, nil
}

// FetchIssues returns one page of a build's issues.
func (c *Client) FetchIssues(ctx context.Context, repo string, no int, f IssueFilter) ([]Issue, error) {
	q := buildQuery(repo, no)
	if f.Filter != "" {
		q.Set("filter", f.Filter)
	}
	if f.Size > 0 {
		q.Set("size", strconv.Itoa(f.Size))
	}
	if f.Skip > 0 {
		q.Set("skip", strconv.Itoa(f.Skip))
	}
	var issues []Issue
	if err := c.getJSON(ctx, "issues/", q, &issues); err != nil {
		return nil, fmt.Errorf("fetch issues of %s: %w", repo, err)
	}
	return issues, nil
}

func buildQuery(repo string, no int) url.Values {
	q := url.Values{"repo": {NormalizeRepo(repo)}}
	if no > 0 {
		q.Set("no", strconv.Itoa(no))
	}
	return q
}

// getJSON performs a GET, retrying transient failures, and decodes the reply.
func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	var (
		data []byte
		err  error
	)
	for attempt := 1; ; attempt++ {
		data, err = c.do(ctx, http.MethodGet, path, q, nil)
		if err == nil || !c.retry.ShouldRetry(err, attempt) {
			break
		}
		wait := c.retry.Backoff(attempt - 1)
		c.logger.Debug("retrying backend read",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("backend: retry wait: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("backend: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte) (_ []byte, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "backend "+method+" /"+path, trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	u := c.base.ResolveReference(&url.URL{Path: path})
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.url", u.String()))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("backend: read %s: %w", path, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Message: errorMessage(data)}
	}
	return data, nil
}

// errorMessage extracts the {"error": "..."} body, falling back to raw text.
func errorMessage(data []byte) string {
	var reply struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(data), &reply); err == nil && reply.Error != "" {
		return reply.Error
	}
	return strings.TrimSpace(string(data))
}
