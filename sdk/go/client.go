package meallinesdk

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

// Client is a minimal Mealline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// OrderItem is one line of an order.
type OrderItem struct {
	Name    string `json:"name"`
	Portion string `json:"portion,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// Order represents the API meal order model.
type Order struct {
	ID           string      `json:"id"`
	FacilityID   string      `json:"facility_id"`
	ResidentID   string      `json:"resident_id"`
	MealType     string      `json:"meal_type"`
	Items        []OrderItem `json:"items"`
	DietaryNotes string      `json:"dietary_notes,omitempty"`
	Status       string      `json:"status"`
	ScheduledFor string      `json:"scheduled_for"`
	Version      int64       `json:"version"`
	CreatedAt    string      `json:"created_at"`
	UpdatedAt    string      `json:"updated_at"`
}

// OrderEnvelope wraps write responses; Warning is set when the snapshot
// recording failed but the write itself succeeded.
type OrderEnvelope struct {
	Order   Order  `json:"order"`
	Warning string `json:"warning,omitempty"`
}

// Snapshot is one entry of an order's history.
type Snapshot struct {
	ID            string         `json:"id"`
	DocumentID    string         `json:"document_id"`
	Version       int64          `json:"version"`
	Snapshot      map[string]any `json:"snapshot"`
	ChangeType    string         `json:"change_type"`
	ChangedFields []string       `json:"changed_fields"`
	Resolution    bool           `json:"resolution"`
	CreatedAt     string         `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	FacilityID string         `json:"facility_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. For 409 version conflicts the Body carries
// the server's error envelope with both document states.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether the error is a version conflict.
func (e *APIError) IsConflict() bool {
	return e.StatusCode == http.StatusConflict
}

// PaginatedOrders wraps list responses with cursors.
type PaginatedOrders struct {
	Items      []Order `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedSnapshots wraps history responses with cursors.
type PaginatedSnapshots struct {
	Items      []Snapshot `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateOrder creates a meal order.
func (c *Client) CreateOrder(ctx context.Context, residentID, mealType, scheduledFor string, items []OrderItem) (OrderEnvelope, error) {
	body := map[string]any{
		"resident_id":   residentID,
		"meal_type":     mealType,
		"scheduled_for": scheduledFor,
		"items":         items,
	}
	var resp OrderEnvelope
	err := c.do(ctx, http.MethodPost, "v0/orders", body, &resp)
	return resp, err
}

// GetOrder fetches an order by id.
func (c *Client) GetOrder(ctx context.Context, id string) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/orders/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// UpdateOrder applies a partial update. Set version to the version you read to
// get conflict detection; a stale version comes back as a 409 APIError.
func (c *Client) UpdateOrder(ctx context.Context, id string, fields map[string]any, version int64) (OrderEnvelope, error) {
	body := map[string]any{}
	for k, v := range fields {
		body[k] = v
	}
	if version > 0 {
		body["version"] = version
	}
	var resp OrderEnvelope
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("v0/orders/%s", url.PathEscape(id)), body, &resp)
	return resp, err
}

// SetStatus moves an order through the kitchen workflow.
func (c *Client) SetStatus(ctx context.Context, id, status string) (OrderEnvelope, error) {
	var resp OrderEnvelope
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/orders/%s/status", url.PathEscape(id)), map[string]any{"status": status}, &resp)
	return resp, err
}

// Resolve writes merged data after a conflict.
func (c *Client) Resolve(ctx context.Context, id string, mergedData map[string]any) (OrderEnvelope, error) {
	var resp struct {
		Success       bool   `json:"success"`
		ResolvedOrder Order  `json:"resolved_order"`
		Warning       string `json:"warning"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/orders/%s/resolve", url.PathEscape(id)), map[string]any{"merged_data": mergedData}, &resp)
	return OrderEnvelope{Order: resp.ResolvedOrder, Warning: resp.Warning}, err
}

// History returns an order's snapshot trail, newest first.
func (c *Client) History(ctx context.Context, id string, limit int) (PaginatedSnapshots, error) {
	endpoint := fmt.Sprintf("v0/orders/%s/history", url.PathEscape(id))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp PaginatedSnapshots
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Orders returns a page of orders.
func (c *Client) Orders(ctx context.Context, limit int, cursor string) (PaginatedOrders, error) {
	endpoint := "v0/orders"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedOrders
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
