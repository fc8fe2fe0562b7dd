package analysis

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
)

// Client is the HTTP implementation of Service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a client for the analysis service at baseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("analysis request encode: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return ErrNotReady
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: status %d", ErrAnalysisFailed, resp.StatusCode)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("analysis service rejected request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("analysis response decode: %w", err)
	}
	return nil
}

// Submit starts an analysis for a PR.
func (c *Client) Submit(ctx context.Context, prURL string, opts Options) (string, error) {
	if strings.TrimSpace(prURL) == "" {
		return "", fmt.Errorf("pr url is required")
	}
	var resp struct {
		AnalysisID string `json:"analysis_id"`
	}
	payload := map[string]any{
		"pr_url":              prURL,
		"include_suggestions": opts.IncludeSuggestions,
		"review_id":           opts.ReviewID,
	}
	if err := c.do(ctx, http.MethodPost, "/v1/analyses", payload, &resp); err != nil {
		return "", err
	}
	if resp.AnalysisID == "" {
		return "", fmt.Errorf("%w: empty analysis id", ErrAnalysisFailed)
	}
	return resp.AnalysisID, nil
}

// FetchResult polls one analysis.
func (c *Client) FetchResult(ctx context.Context, analysisID string) (*Result, error) {
	var resp struct {
		Result
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/analyses/"+url.PathEscape(analysisID), nil, &resp); err != nil {
		return nil, err
	}
	switch resp.Status {
	case "", "complete", "completed":
	case "running", "pending":
		return nil, ErrNotReady
	default:
		return nil, fmt.Errorf("%w: status %s", ErrAnalysisFailed, resp.Status)
	}
	resp.Result.AnalysisID = analysisID
	resp.Result.RiskLevel = strings.ToLower(resp.Result.RiskLevel)
	return &resp.Result, nil
}

// ExportMarkdown fetches the service-rendered report.
func (c *Client) ExportMarkdown(ctx context.Context, analysisID string) (string, error) {
	var resp struct {
		Markdown string `json:"markdown"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/analyses/"+url.PathEscape(analysisID)+"/markdown", nil, &resp); err != nil {
		return "", err
	}
	return resp.Markdown, nil
}

// FetchXP returns the XP awarded for a human-completed review.
func (c *Client) FetchXP(ctx context.Context, reviewID string) (int, error) {
	var resp struct {
		XP int `json:"xp"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/reviews/"+url.PathEscape(reviewID)+"/xp", nil, &resp); err != nil {
		return 0, err
	}
	return resp.XP, nil
}
