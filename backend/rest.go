package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/evita-erp/offline-sync/queue"
)

// APIError is a non-2xx response from the REST endpoint.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

// RESTExecutor writes operations through a PostgREST API, the way the browser client's
// database SDK does.
type RESTExecutor struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

func NewRESTExecutor(baseURL, apiKey string, client *http.Client, logger *slog.Logger) *RESTExecutor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RESTExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		logger:  logger,
	}
}

var _ Executor = (*RESTExecutor)(nil)

func (e *RESTExecutor) Execute(ctx context.Context, item queue.QueuedOperation) error {
	op, err := item.Operation()
	if err != nil {
		return err
	}

	var (
		method string
		body   queue.Record
		filter queue.Record
		prefer = []string{"return=minimal"}
	)
	switch o := op.(type) {
	case queue.Insert:
		method, body = http.MethodPost, o.Payload
	case queue.Upsert:
		method, body = http.MethodPost, o.Payload
		prefer = append(prefer, "resolution=merge-duplicates")
	case queue.Update:
		method, body, filter = http.MethodPatch, o.Payload, o.Match
	case queue.Delete:
		method, filter = http.MethodDelete, deleteFilter(o)
	default:
		return fmt.Errorf("%w: %q", queue.ErrUnsupportedKind, item.Kind)
	}

	req, err := e.newRequest(ctx, method, item.Table, body, filter)
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", strings.Join(prefer, ","))

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, item.Table, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	e.logger.Debug("operation replayed", "id", item.ID, "method", method, "table", item.Table, "status", resp.StatusCode)
	return nil
}

func (e *RESTExecutor) newRequest(ctx context.Context, method, table string, body, filter queue.Record) (*http.Request, error) {
	u := e.baseURL + "/rest/v1/" + url.PathEscape(table)
	if query := filterQuery(filter); query != "" {
		u += "?" + query
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.apiKey != "" {
		req.Header.Set("apikey", e.apiKey)
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	return req, nil
}

// filterQuery renders equality filters in PostgREST syntax, e.g. id=eq.4.
func filterQuery(filter queue.Record) string {
	if len(filter) == 0 {
		return ""
	}
	values := url.Values{}
	for _, column := range sortedColumns(filter) {
		value := filter[column]
		if value == nil {
			values.Set(column, "is.null")
			continue
		}
		values.Set(column, "eq."+formatValue(value))
	}
	return values.Encode()
}

// formatValue renders numbers decoded from JSON without exponents, so integer ids of
// any size match integer columns.
func formatValue(value any) string {
	switch v := value.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil && body.Message != "" {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
