// Package scopus talks to the Elsevier Scopus search, abstract and subject APIs.
package scopus

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

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
	"github.com/JakeFAU/scopus-crawler/internal/metrics"
	"go.uber.org/zap"
)

// Endpoint names used for pacing and metrics.
const (
	EndpointSearch   = "search"
	EndpointAbstract = "abstract"
	EndpointSubject  = "subject"
)

// DefaultBaseURL is the public Elsevier API host.
const DefaultBaseURL = "http://api.elsevier.com"

const maxBodyBytes = 32 << 20

// Pacer blocks until a request to the endpoint may proceed.
type Pacer interface {
	Wait(ctx context.Context, endpoint string) error
}

// Config wires a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	InstToken  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Pacer      Pacer
	Logger     *zap.Logger
}

// Client is a Scopus API client. It satisfies crawler.PageFetcher.
type Client struct {
	baseURL   string
	apiKey    string
	instToken string
	http      *http.Client
	pacer     Pacer
	logger    *zap.Logger
}

var _ crawler.PageFetcher = (*Client)(nil)

// NewClient builds a Client with defaults applied.
func NewClient(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:   base,
		apiKey:    cfg.APIKey,
		instToken: cfg.InstToken,
		http:      hc,
		pacer:     cfg.Pacer,
		logger:    logger.Named("scopus"),
	}
}

type searchEnvelope struct {
	Results struct {
		TotalResults flexInt `json:"opensearch:totalResults"`
		Cursor       struct {
			Next string `json:"@next"`
		} `json:"cursor"`
		Entries []crawler.RawEntry `json:"entry"`
	} `json:"search-results"`
}

// FetchPage retrieves one page of search results at the given cursor.
func (c *Client) FetchPage(ctx context.Context, req crawler.PageRequest) (crawler.PageResult, error) {
	cursor := req.Cursor
	if cursor == "" {
		cursor = crawler.FirstCursor
	}
	params := url.Values{}
	params.Set("query", req.Query)
	params.Set("cursor", cursor)
	if req.Count > 0 {
		params.Set("count", strconv.Itoa(req.Count))
	}

	var env searchEnvelope
	header, err := c.getJSON(ctx, EndpointSearch, "/content/search/scopus", params, &env)
	if err != nil {
		return crawler.PageResult{}, err
	}

	remaining := -1
	if v := header.Get("X-RateLimit-Remaining"); v != "" {
		if n, convErr := strconv.Atoi(v); convErr == nil {
			remaining = n
		}
	}
	return crawler.PageResult{
		Entries:            env.Results.Entries,
		NextCursor:         env.Results.Cursor.Next,
		TotalResults:       int(env.Results.TotalResults),
		RateLimitRemaining: remaining,
	}, nil
}

type subjectEnvelope struct {
	Classifications struct {
		Items []crawler.SubjectClassification `json:"subject-classification"`
	} `json:"subject-classifications"`
}

// FetchClassifications lists the upstream subject-area classifications.
func (c *Client) FetchClassifications(ctx context.Context) ([]crawler.SubjectClassification, error) {
	var env subjectEnvelope
	if _, err := c.getJSON(ctx, EndpointSubject, "/content/subject/scopus", nil, &env); err != nil {
		return nil, err
	}
	return env.Classifications.Items, nil
}

type abstractEnvelope struct {
	Response struct {
		Coredata struct {
			Description json.RawMessage `json:"dc:description"`
		} `json:"coredata"`
	} `json:"abstracts-retrieval-response"`
}

// FetchAbstract returns the abstract text of one document.
func (c *Client) FetchAbstract(ctx context.Context, scopusID string) (string, error) {
	scopusID = strings.TrimPrefix(strings.TrimSpace(scopusID), idPrefix)
	if scopusID == "" {
		return "", crawler.NewValidationError("scopus_id", "must not be empty")
	}
	var env abstractEnvelope
	path := "/content/abstract/scopus_id/" + url.PathEscape(scopusID)
	if _, err := c.getJSON(ctx, EndpointAbstract, path, nil, &env); err != nil {
		return "", err
	}
	text, err := decodeDescription(env.Response.Coredata.Description)
	if err != nil {
		return "", fmt.Errorf("decode abstract %s: %w", scopusID, err)
	}
	return text, nil
}

// decodeDescription accepts either a plain string or {abstract:{ce:para}}.
func decodeDescription(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", crawler.ErrNotFound
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain, nil
	}
	var nested struct {
		Abstract struct {
			Para json.RawMessage `json:"ce:para"`
		} `json:"abstract"`
	}
	if err := json.Unmarshal(raw, &nested); err != nil {
		return "", fmt.Errorf("unexpected description shape: %w", err)
	}
	if err := json.Unmarshal(nested.Abstract.Para, &plain); err == nil {
		return plain, nil
	}
	var paras []string
	if err := json.Unmarshal(nested.Abstract.Para, &paras); err != nil {
		return "", fmt.Errorf("unexpected paragraph shape: %w", err)
	}
	return strings.Join(paras, "\n"), nil
}

// ToReference splits the upstream classification list into categories and classifications.
func ToReference(items []crawler.SubjectClassification) ([]crawler.Category, []crawler.Classification) {
	seen := make(map[string]bool)
	var (
		categories      []crawler.Category
		classifications []crawler.Classification
	)
	for _, item := range items {
		classifications = append(classifications, crawler.Classification{
			Code:         item.Code,
			Name:         item.Detail,
			CategoryAbbr: item.Abbrev,
			CategoryName: item.Description,
		})
		if !seen[item.Abbrev] {
			seen[item.Abbrev] = true
			categories = append(categories, crawler.Category{Abbr: item.Abbrev, Name: item.Description})
		}
	}
	return categories, classifications
}

func (c *Client) getJSON(ctx context.Context, endpoint, path string, params url.Values, out any) (http.Header, error) {
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx, endpoint); err != nil {
			return nil, err
		}
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-ELS-APIKey", c.apiKey)
	}
	if c.instToken != "" {
		req.Header.Set("X-ELS-Insttoken", c.instToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveUpstream(endpoint, metrics.OutcomeTransport)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s request: %w", endpoint, ctxErr)
		}
		return nil, &crawler.TransportError{Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("close response body", zap.Error(closeErr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.ObserveUpstream(endpoint, metrics.OutcomeTransport)
		return nil, &crawler.TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.ObserveUpstream(endpoint, metrics.OutcomeRateLimit)
		return resp.Header, &crawler.RateLimitError{ResetAt: parseReset(resp.Header.Get("X-RateLimit-Reset"))}
	case resp.StatusCode >= http.StatusInternalServerError:
		metrics.ObserveUpstream(endpoint, metrics.OutcomeTransport)
		return resp.Header, &crawler.TransportError{StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	case resp.StatusCode == http.StatusNotFound && endpoint == EndpointAbstract:
		metrics.ObserveUpstream(endpoint, metrics.OutcomeUpstream)
		return resp.Header, fmt.Errorf("abstract: %w", crawler.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		metrics.ObserveUpstream(endpoint, metrics.OutcomeUpstream)
		return resp.Header, &crawler.UpstreamError{StatusCode: resp.StatusCode, Message: serviceError(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		metrics.ObserveUpstream(endpoint, metrics.OutcomeUpstream)
		return resp.Header, &crawler.UpstreamError{StatusCode: resp.StatusCode, Message: "decode response: " + err.Error()}
	}
	metrics.ObserveUpstream(endpoint, metrics.OutcomeSuccess)
	return resp.Header, nil
}

func parseReset(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

// serviceError extracts the upstream status text, falling back to a body snippet.
func serviceError(body []byte) string {
	var env struct {
		ServiceError struct {
			Status struct {
				StatusText string `json:"statusText"`
			} `json:"status"`
		} `json:"service-error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.ServiceError.Status.StatusText != "" {
		return env.ServiceError.Status.StatusText
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

// flexInt decodes numbers the API sends as either JSON strings or numbers.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("parse count %q: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}
