// Package commands implements the CLI operations that talk to a running
// relay through its internal API.
package commands

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

	"github.com/w7109066-del/Migers-sub002/internal/models"
)

const requestTimeout = 10 * time.Second

type AdminClient struct {
	baseURL string
	client  *http.Client
}

// NewAdminClient targets the internal API at adminAddr, either host:port
// or a full URL.
func NewAdminClient(adminAddr string) *AdminClient {
	base := strings.TrimSuffix(adminAddr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &AdminClient{baseURL: base, client: &http.Client{Timeout: requestTimeout}}
}

func (a *AdminClient) Notify(ctx context.Context, n models.Notification) (models.Notification, error) {
	var result models.Notification
	err := a.do(ctx, http.MethodPost, "/internal/notifications", n, http.StatusCreated, &result)
	return result, err
}

func (a *AdminClient) Kick(ctx context.Context, roomID, userID, message string) (bool, error) {
	var result struct {
		Removed bool `json:"removed"`
	}
	body := map[string]string{"userId": userID, "message": message}
	err := a.do(ctx, http.MethodPost, "/internal/rooms/"+url.PathEscape(roomID)+"/kick", body, http.StatusOK, &result)
	return result.Removed, err
}

func (a *AdminClient) Unban(ctx context.Context, roomID, userID string) error {
	path := "/internal/rooms/" + url.PathEscape(roomID) + "/bans/" + url.PathEscape(userID)
	return a.do(ctx, http.MethodDelete, path, nil, http.StatusNoContent, nil)
}

func (a *AdminClient) CloseRoom(ctx context.Context, roomID, message string) (int, error) {
	var result struct {
		Dropped int `json:"dropped"`
	}
	body := map[string]string{"message": message}
	err := a.do(ctx, http.MethodPost, "/internal/rooms/"+url.PathEscape(roomID)+"/close", body, http.StatusOK, &result)
	return result.Dropped, err
}

func (a *AdminClient) ReopenRoom(ctx context.Context, roomID string) error {
	return a.do(ctx, http.MethodDelete, "/internal/rooms/"+url.PathEscape(roomID)+"/close", nil, http.StatusNoContent, nil)
}

func (a *AdminClient) Logout(ctx context.Context, userID string) (bool, error) {
	var result struct {
		LoggedOut bool `json:"loggedOut"`
	}
	err := a.do(ctx, http.MethodPost, "/internal/users/"+url.PathEscape(userID)+"/logout", nil, http.StatusOK, &result)
	return result.LoggedOut, err
}

func (a *AdminClient) do(ctx context.Context, method, path string, body any, wantStatus int, result any) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != wantStatus {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("admin API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
