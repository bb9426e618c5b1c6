package client

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

	"github.com/alfredjeanlab/kbus/internal/model"
)

// TenantHeader names the header that carries the calling tenant.
const TenantHeader = "X-Tenant-ID"

// HTTPClient implements BusClient using the kbus HTTP/JSON admin API.
type HTTPClient struct {
	baseURL    string
	tenantID   string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates a new HTTP client targeting the given base URL
// (e.g. "http://localhost:8080") on behalf of tenantID. When token is
// non-empty, an Authorization header is set on every request.
func NewHTTPClient(baseURL, tenantID, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tenantID:   tenantID,
		token:      token,
		httpClient: &http.Client{},
	}
}

// Close is a no-op for the HTTP client.
func (c *HTTPClient) Close() error { return nil }

// --- Topics ---

func (c *HTTPClient) RegisterTopic(ctx context.Context, req *RegisterTopicRequest) (*model.Topic, error) {
	var t model.Topic
	if err := c.doJSON(ctx, http.MethodPost, "/v1/topics", req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *HTTPClient) GetTopic(ctx context.Context, name string) (*model.Topic, error) {
	var t model.Topic
	if err := c.doJSON(ctx, http.MethodGet, "/v1/topics/"+url.PathEscape(name), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *HTTPClient) ListTopics(ctx context.Context) ([]*model.Topic, error) {
	var resp struct {
		Topics []*model.Topic `json:"topics"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/topics", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Topics, nil
}

func (c *HTTPClient) ActivateTopic(ctx context.Context, name string) (*model.Topic, error) {
	return c.topicAction(ctx, name, "activate")
}

func (c *HTTPClient) DeactivateTopic(ctx context.Context, name string) (*model.Topic, error) {
	return c.topicAction(ctx, name, "deactivate")
}

func (c *HTTPClient) topicAction(ctx context.Context, name, action string) (*model.Topic, error) {
	var t model.Topic
	if err := c.doJSON(ctx, http.MethodPost, "/v1/topics/"+url.PathEscape(name)+"/"+action, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *HTTPClient) DeleteTopic(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/topics/"+url.PathEscape(name), nil, nil)
}

// --- Subscriptions ---

func (c *HTTPClient) CreateSubscription(ctx context.Context, req *CreateSubscriptionRequest) (*model.Subscription, error) {
	var sub model.Subscription
	if err := c.doJSON(ctx, http.MethodPost, "/v1/subscriptions", req, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *HTTPClient) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	var sub model.Subscription
	if err := c.doJSON(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(id), nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *HTTPClient) ListSubscriptions(ctx context.Context, eventType string) ([]*model.Subscription, error) {
	path := "/v1/subscriptions"
	if eventType != "" {
		path += "?" + url.Values{"event_type": {eventType}}.Encode()
	}
	var resp struct {
		Subscriptions []*model.Subscription `json:"subscriptions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subscriptions, nil
}

func (c *HTTPClient) UpdateSubscription(ctx context.Context, id string, req *UpdateSubscriptionRequest) (*model.Subscription, error) {
	var sub model.Subscription
	if err := c.doJSON(ctx, http.MethodPatch, "/v1/subscriptions/"+url.PathEscape(id), req, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *HTTPClient) ActivateSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	return c.subscriptionAction(ctx, id, "activate")
}

func (c *HTTPClient) DeactivateSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	return c.subscriptionAction(ctx, id, "deactivate")
}

func (c *HTTPClient) CancelSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	return c.subscriptionAction(ctx, id, "cancel")
}

func (c *HTTPClient) subscriptionAction(ctx context.Context, id, action string) (*model.Subscription, error) {
	var sub model.Subscription
	if err := c.doJSON(ctx, http.MethodPost, "/v1/subscriptions/"+url.PathEscape(id)+"/"+action, nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// --- Deliveries ---

func (c *HTTPClient) ListDeliveries(ctx context.Context, req *ListDeliveriesRequest) ([]*model.DeliveryRecord, error) {
	q := url.Values{}
	if req.EventID != "" {
		q.Set("event_id", req.EventID)
	}
	if req.SubscriptionID != "" {
		q.Set("subscription_id", req.SubscriptionID)
	}
	if len(req.Status) > 0 {
		q.Set("status", strings.Join(req.Status, ","))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Offset > 0 {
		q.Set("offset", strconv.Itoa(req.Offset))
	}

	path := "/v1/deliveries"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Deliveries []*model.DeliveryRecord `json:"deliveries"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Deliveries, nil
}

// --- Events ---

func (c *HTTPClient) Publish(ctx context.Context, topic string, req *PublishRequest) (*PublishResponse, error) {
	var resp PublishResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/topics/"+url.PathEscape(topic)+"/events", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Health ---

func (c *HTTPClient) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// --- internal helpers ---

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded (for DELETE/204 responses).
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tenantID != "" {
		req.Header.Set(TenantHeader, c.tenantID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
