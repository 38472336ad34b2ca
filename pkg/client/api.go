package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"coursechat/pkg/types"
)

// NotificationAPI is the REST client for the notification endpoints
type NotificationAPI struct {
	baseURL string
	token   string
	http    *http.Client
	// onStatus sees every response status; wire it to Manager.HandleHTTPStatus
	onStatus func(code int) bool
}

// NewNotificationAPI creates a client for baseURL (scheme://host) using token as a
// bearer credential. manager may be nil; when set, 401/403 responses clear its session.
func NewNotificationAPI(baseURL, token string, manager *Manager) *NotificationAPI {
	api := &NotificationAPI{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	if manager != nil {
		api.onStatus = manager.HandleHTTPStatus
	}
	return api
}

type notificationsResponse struct {
	Notifications []*types.Notification `json:"notifications"`
	UnreadCount   int                   `json:"unread_count"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Unread fetches the caller's unread notifications, newest first
func (a *NotificationAPI) Unread(ctx context.Context) ([]*types.Notification, error) {
	var body notificationsResponse
	if err := a.call(ctx, http.MethodGet, "/api/notifications", &body); err != nil {
		return nil, err
	}
	if body.Notifications == nil {
		body.Notifications = []*types.Notification{}
	}
	return body.Notifications, nil
}

// MarkRead marks one notification read
func (a *NotificationAPI) MarkRead(ctx context.Context, id string) error {
	return a.call(ctx, http.MethodPost, "/api/notifications/"+url.PathEscape(id)+"/read", nil)
}

// MarkAllRead marks every notification of the caller read
func (a *NotificationAPI) MarkAllRead(ctx context.Context) error {
	return a.call(ctx, http.MethodPost, "/api/notifications/read", nil)
}

func (a *NotificationAPI) call(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if a.onStatus != nil {
		a.onStatus(resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(data, &e)
		return &StatusError{Code: resp.StatusCode, Message: e.Message}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
