package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rahemur0910/ChatAppliocation/internal/models"
)

// apiClient implements the server calls the session controller needs, plus
// login and the user directory.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type authResponse struct {
	Token    string `json:"token"`
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
}

func (a *apiClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Login authenticates and keeps the bearer token for subsequent calls.
func (a *apiClient) Login(ctx context.Context, username, password string) (int, error) {
	var resp authResponse
	err := a.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		return 0, err
	}
	a.token = resp.Token
	return resp.UserID, nil
}

// Register creates the account and keeps the bearer token.
func (a *apiClient) Register(ctx context.Context, username, password string) (int, error) {
	var resp authResponse
	err := a.do(ctx, http.MethodPost, "/api/auth/register", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		return 0, err
	}
	a.token = resp.Token
	return resp.UserID, nil
}

func (a *apiClient) Users(ctx context.Context) ([]*models.User, error) {
	var users []*models.User
	if err := a.do(ctx, http.MethodGet, "/api/messages/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (a *apiClient) History(ctx context.Context, counterpartID int) ([]*models.Message, error) {
	var messages []*models.Message
	path := fmt.Sprintf("/api/messages/%d", counterpartID)
	if err := a.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (a *apiClient) MarkRead(ctx context.Context, counterpartID int) (int, error) {
	var resp struct {
		NewlyRead int `json:"newly_read"`
	}
	path := fmt.Sprintf("/api/messages/read/user/%d", counterpartID)
	if err := a.do(ctx, http.MethodPut, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.NewlyRead, nil
}

func (a *apiClient) Send(ctx context.Context, counterpartID int, text, image string) (*models.Message, error) {
	var msg models.Message
	path := fmt.Sprintf("/api/messages/send/%d", counterpartID)
	body := map[string]string{"text": text, "image": image}
	if err := a.do(ctx, http.MethodPost, path, body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (a *apiClient) UnreadCounts(ctx context.Context) (map[int]int, error) {
	var raw map[string]int
	if err := a.do(ctx, http.MethodGet, "/api/messages/unread-counts", nil, &raw); err != nil {
		return nil, err
	}

	counts := make(map[int]int, len(raw))
	for key, count := range raw {
		senderID, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("bad sender key %q in unread counts", key)
		}
		counts[senderID] = count
	}
	return counts, nil
}
