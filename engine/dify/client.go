package dify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/evanfang0054/knowledge-base-mcp/engine/core"
	"github.com/evanfang0054/knowledge-base-mcp/pkg/logger"
	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

const (
	defaultListPageSize = 100
	maxListPages        = 50
)

// Config fixes the endpoint and credential of a Client.
type Config struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	ListPageSize int
}

// Client is a typed transport to the Dify dataset API. It is immutable:
// rotating credentials means building a new Client.
type Client struct {
	http   *resty.Client
	config Config
}

func NewClient(cfg Config) (*Client, error) {
	if err := validateBaseURL(cfg.BaseURL); err != nil {
		return nil, err
	}
	if cfg.ListPageSize <= 0 {
		cfg.ListPageSize = defaultListPageSize
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetLogger(restyLogger{log: logger.FromContext(context.Background()).With("component", "dify")})
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &Client{http: client, config: cfg}, nil
}

func validateBaseURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("base URL must be absolute, got: %q", raw)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("base URL scheme must be http or https, got: %s", parsed.Scheme)
	}
	return nil
}

// Config returns a copy of the client configuration.
func (c *Client) Config() Config {
	return c.config
}

// Retrieve queries a single dataset.
func (c *Client) Retrieve(ctx context.Context, datasetID string, req RetrieveRequest) ([]Record, error) {
	var result RetrieveResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("datasetID", datasetID).
		SetBody(req).
		SetResult(&result).
		Post("/datasets/{datasetID}/retrieve")
	if err != nil {
		return nil, transportError(err)
	}
	if resp.IsError() {
		return nil, responseError(resp)
	}
	if result.Records == nil && len(resp.Body()) > 0 {
		// Result binding only happens for JSON content types.
		if err := json.Unmarshal(resp.Body(), &result); err != nil {
			return nil, &UpstreamError{
				Status:  resp.StatusCode(),
				Message: "malformed retrieve response",
				Details: resp.String(),
				Err:     err,
			}
		}
	}
	logger.FromContext(ctx).Debug("Dify retrieve completed",
		"dataset_id", datasetID, "records", len(result.Records), "status", resp.StatusCode())
	return result.Records, nil
}

// ListDatasets lists every dataset visible to the credential, optionally
// filtered server-side by keyword. Pages are followed while has_more is set.
func (c *Client) ListDatasets(ctx context.Context, keyword string) ([]Dataset, error) {
	var datasets []Dataset
	for page := 1; page <= maxListPages; page++ {
		req := c.http.R().
			SetContext(ctx).
			SetQueryParam("page", strconv.Itoa(page)).
			SetQueryParam("limit", strconv.Itoa(c.config.ListPageSize))
		if keyword != "" {
			req.SetQueryParam("keyword", keyword)
		}
		resp, err := req.Get("/datasets")
		if err != nil {
			return nil, transportError(err)
		}
		if resp.IsError() {
			return nil, responseError(resp)
		}
		body := resp.Body()
		if !gjson.ValidBytes(body) {
			return nil, &UpstreamError{
				Status:  resp.StatusCode(),
				Message: "malformed dataset listing",
				Details: resp.String(),
			}
		}
		parsed := gjson.ParseBytes(body)
		parsed.Get("data").ForEach(func(_, item gjson.Result) bool {
			datasets = append(datasets, parseDataset(item))
			return true
		})
		if !parsed.Get("has_more").Bool() {
			break
		}
	}
	return datasets, nil
}

func parseDataset(item gjson.Result) Dataset {
	name := item.Get("name").String()
	description := item.Get("description").String()
	if description == "" {
		description = DefaultDescription(name)
	}
	return Dataset{
		ID:            item.Get("id").String(),
		Name:          name,
		Description:   description,
		DocumentCount: int(item.Get("document_count").Int()),
		WordCount:     int(item.Get("word_count").Int()),
	}
}

// responseError converts a non-success response. The message comes from the
// body's "message" field when present.
func responseError(resp *resty.Response) *UpstreamError {
	body := resp.Body()
	upstreamErr := &UpstreamError{
		Status:  resp.StatusCode(),
		Message: http.StatusText(resp.StatusCode()),
		Details: resp.String(),
	}
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		if msg := parsed.Get("message").String(); msg != "" {
			upstreamErr.Message = msg
		}
		upstreamErr.Details = parsed.Value()
	}
	if upstreamErr.Message == "" {
		upstreamErr.Message = resp.Status()
	}
	return upstreamErr
}

// CoreError converts the upstream failure into the uniform error shape.
func (e *UpstreamError) CoreError() *core.Error {
	return &core.Error{
		Code:    core.CodeUpstream,
		Message: e.Message,
		Details: map[string]any{"status": e.Status, "details": e.Details},
		Err:     e,
	}
}

// IsUpstreamError reports whether err came from the upstream API.
func IsUpstreamError(err error) bool {
	var upstreamErr *UpstreamError
	return errors.As(err, &upstreamErr)
}

type restyLogger struct {
	log logger.Logger
}

func (l restyLogger) Errorf(format string, v ...any) {
	l.log.Error(fmt.Sprintf(format, v...))
}

func (l restyLogger) Warnf(format string, v ...any) {
	l.log.Warn(fmt.Sprintf(format, v...))
}

func (l restyLogger) Debugf(format string, v ...any) {
	l.log.Debug(fmt.Sprintf(format, v...))
}
