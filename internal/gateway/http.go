package gateway

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient talks to the marketplace's JSON API with bearer-token auth.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient builds a client against the given base URL.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) ListOrders(ctx context.Context, updatedAfter time.Time, nextToken string) (OrdersPage, error) {
	var page OrdersPage
	q := url.Values{}
	if !updatedAfter.IsZero() {
		q.Set("updatedAfter", updatedAfter.UTC().Format(time.RFC3339))
	}
	err := c.getJSON(ctx, "/orders", withToken(q, nextToken), &page)
	return page, err
}

func (c *HTTPClient) ListInventory(ctx context.Context, nextToken string) (InventoryPage, error) {
	var page InventoryPage
	err := c.getJSON(ctx, "/inventory", withToken(url.Values{}, nextToken), &page)
	return page, err
}

func (c *HTTPClient) ListFinancialEvents(ctx context.Context, postedAfter time.Time, nextToken string) (FinancialEventsPage, error) {
	var page FinancialEventsPage
	q := url.Values{}
	if !postedAfter.IsZero() {
		q.Set("postedAfter", postedAfter.UTC().Format(time.RFC3339))
	}
	err := c.getJSON(ctx, "/finances/events", withToken(q, nextToken), &page)
	return page, err
}

func (c *HTTPClient) ListProducts(ctx context.Context, nextToken string) (ProductsPage, error) {
	var page ProductsPage
	err := c.getJSON(ctx, "/catalog/items", withToken(url.Values{}, nextToken), &page)
	return page, err
}

// CreateReport submits the report configuration. HTTP 425 with a parseable
// "duplicate of: <id>" message becomes *DuplicateReportError; a 425 without
// the pattern is a hard submission failure.
func (c *HTTPClient) CreateReport(ctx context.Context, req ReportRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal report request: %w", err)
	}
	resp, raw, err := c.do(ctx, http.MethodPost, c.baseURL+"/reports", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusAccepted:
		var out struct {
			ReportID string `json:"reportId"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("decode report response: %w", err)
		}
		if out.ReportID == "" {
			return "", fmt.Errorf("report response missing reportId")
		}
		return out.ReportID, nil
	case resp.StatusCode == http.StatusTooEarly:
		if id := extractDuplicateID(string(raw)); id != "" {
			return "", &DuplicateReportError{ReportID: id}
		}
		return "", fmt.Errorf("report submission rejected (425): %s", truncate(raw))
	default:
		return "", c.statusError(resp.StatusCode, raw)
	}
}

func (c *HTTPClient) GetReportStatus(ctx context.Context, reportID string) (ReportStatus, error) {
	var status ReportStatus
	err := c.getJSON(ctx, "/reports/"+url.PathEscape(reportID), url.Values{}, &status)
	return status, err
}

func (c *HTTPClient) DownloadReport(ctx context.Context, location string, format string) ([]byte, error) {
	resp, raw, err := c.do(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp.StatusCode, raw)
	}
	if format != FormatGzipJSON {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open gzip report body: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress report body: %w", err)
	}
	return out, nil
}

func withToken(q url.Values, nextToken string) url.Values {
	if nextToken != "" {
		q.Set("nextToken", nextToken)
	}
	return q
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	resp, raw, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, u string, body io.Reader) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, nil, &TransientError{Err: fmt.Errorf("read response: %w", err)}
	}
	return resp, raw, nil
}

func (c *HTTPClient) statusError(code int, raw []byte) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrNotAuthorized, code, truncate(raw))
	case code >= 500 || code == http.StatusTooManyRequests:
		return &TransientError{Err: fmt.Errorf("status %d: %s", code, truncate(raw))}
	default:
		return fmt.Errorf("marketplace: status %d: %s", code, truncate(raw))
	}
}

func truncate(raw []byte) string {
	const max = 256
	s := strings.TrimSpace(string(raw))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
