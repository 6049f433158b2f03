// Package remote talks to the club management backend that owns calendar
// events and holiday requests.
package remote

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

	"github.com/golang-jwt/jwt/v5"

	"github.com/clubrota/calsync/internal/calendar/schema"
)

// API is the remote calendar service used by the sync engine.
type API interface {
	// GetMonthEvents returns the server's events of one month.
	GetMonthEvents(ctx context.Context, year int, month time.Month) ([]schema.CalendarEvent, error)
	// GetHolidayRequests lists holiday requests matching the query.
	GetHolidayRequests(ctx context.Context, q schema.HolidayRequestQuery) ([]schema.HolidayRequest, error)
	// BatchSyncEvents sends the queue in order and returns per-operation results.
	BatchSyncEvents(ctx context.Context, ops []schema.SyncQueueEntry, lastSync *time.Time) (*schema.BatchSyncResponse, error)
	// CreateHolidayRequest submits a new request; the server assigns id and status.
	CreateHolidayRequest(ctx context.Context, draft schema.HolidayDraft) (schema.HolidayRequest, error)
	// GetUserClassTimes returns the class times assigned to a coach.
	GetUserClassTimes(ctx context.Context, userID int64) ([]schema.ClassTime, error)
}

// Client is the HTTP implementation of API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	now     func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithClock overrides the clock used for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New returns a client for baseURL. If hc is nil a client with a 10s timeout is used.
func New(baseURL string, hc *http.Client, opts ...Option) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	c := &Client{
		baseURL: baseURL,
		http:    hc,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ API = (*Client)(nil)

func (c *Client) GetMonthEvents(ctx context.Context, year int, month time.Month) ([]schema.CalendarEvent, error) {
	q := url.Values{}
	q.Set("year", strconv.Itoa(year))
	q.Set("month", strconv.Itoa(int(month)))

	var out []schema.CalendarEvent
	if err := c.do(ctx, http.MethodGet, "/calendar/events?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch events for %04d-%02d: %w", year, int(month), err)
	}
	return out, nil
}

func (c *Client) GetHolidayRequests(ctx context.Context, hq schema.HolidayRequestQuery) ([]schema.HolidayRequest, error) {
	q := url.Values{}
	if hq.Status != "" {
		q.Set("status", string(hq.Status))
	}
	if !hq.DateFrom.IsZero() {
		q.Set("date_from", hq.DateFrom.String())
	}
	if !hq.DateTo.IsZero() {
		q.Set("date_to", hq.DateTo.String())
	}
	path := "/holiday-requests"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var out schema.HolidayRequestList
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch holiday requests: %w", err)
	}
	return out.Data, nil
}

func (c *Client) BatchSyncEvents(ctx context.Context, ops []schema.SyncQueueEntry, lastSync *time.Time) (*schema.BatchSyncResponse, error) {
	if ops == nil {
		ops = []schema.SyncQueueEntry{}
	}
	body := schema.BatchSyncRequest{Operations: ops, LastSyncTime: lastSync}

	var out schema.BatchSyncResponse
	if err := c.do(ctx, http.MethodPost, "/calendar/sync", body, &out); err != nil {
		return nil, fmt.Errorf("failed to sync %d operations: %w", len(ops), err)
	}
	return &out, nil
}

func (c *Client) CreateHolidayRequest(ctx context.Context, draft schema.HolidayDraft) (schema.HolidayRequest, error) {
	if err := draft.Validate(); err != nil {
		return schema.HolidayRequest{}, fmt.Errorf("invalid holiday request: %w", err)
	}

	var out schema.HolidayRequestEnvelope
	if err := c.do(ctx, http.MethodPost, "/holiday-requests", draft, &out); err != nil {
		return schema.HolidayRequest{}, fmt.Errorf("failed to create holiday request: %w", err)
	}
	return out.Data, nil
}

func (c *Client) GetUserClassTimes(ctx context.Context, userID int64) ([]schema.ClassTime, error) {
	var out []schema.ClassTime
	path := fmt.Sprintf("/coaches/%d/class-times", userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch class times for user %d: %w", userID, err)
	}
	return out, nil
}

// checkToken rejects a JWT whose exp claim has passed. Opaque tokens are sent as-is;
// the server remains the authority on validity.
func (c *Client) checkToken() error {
	if c.token == "" {
		return nil
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, &claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !c.now().Before(claims.ExpiresAt.Time) {
		return ErrTokenExpired
	}
	return nil
}

// do sends an optional JSON body and decodes a 2xx JSON response into resp.
func (c *Client) do(ctx context.Context, method, path string, req any, resp any) error {
	if err := c.checkToken(); err != nil {
		return err
	}

	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "application/json")
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	rsp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer rsp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(rsp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if rsp.StatusCode < 200 || rsp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return &UnexpectedStatusError{Method: method, Path: path, Code: rsp.StatusCode, Body: msg}
	}

	if resp == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, resp); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return fmt.Errorf("malformed response from %s %s: %w", method, path, err)
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
