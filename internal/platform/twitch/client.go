package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	helixBaseURL = "https://api.twitch.tv/helix"
	oauthURL     = "https://id.twitch.tv/oauth2/token"
)

// User is a Twitch user record from the Helix API.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// Client is a minimal Helix API client authenticated with an app access
// token obtained via the client credentials flow. The token is cached and
// refreshed shortly before expiry.
type Client struct {
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient creates a Helix client for the given application credentials.
func NewClient(clientID, clientSecret string) *Client {
	return &Client{
		clientID:     strings.TrimSpace(clientID),
		clientSecret: strings.TrimSpace(clientSecret),
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

// GetUserByID looks up a single user by their Twitch user ID.
func (c *Client) GetUserByID(ctx context.Context, id string) (User, error) {
	return c.getUser(ctx, "id", id)
}

// GetUserByLogin looks up a single user by their login name.
func (c *Client) GetUserByLogin(ctx context.Context, login string) (User, error) {
	return c.getUser(ctx, "login", login)
}

func (c *Client) getUser(ctx context.Context, key, value string) (User, error) {
	q := url.Values{}
	q.Set(key, value)

	var result struct {
		Data []User `json:"data"`
	}
	if err := c.doGet(ctx, "/users?"+q.Encode(), &result); err != nil {
		return User{}, fmt.Errorf("twitch: get user: %w", err)
	}
	if len(result.Data) == 0 {
		return User{}, fmt.Errorf("twitch: user %s=%s not found", key, value)
	}
	return result.Data[0], nil
}

// doGet performs an authenticated GET against the Helix API, refreshing the
// app token once on a 401.
func (c *Client) doGet(ctx context.Context, path string, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.token(ctx, attempt > 0)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixBaseURL+path, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Client-Id", c.clientID)
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("send request: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unauthorized after token refresh")
}

// token returns a valid app access token, fetching a fresh one when the
// cached token is missing, near expiry, or force is set.
func (c *Client) token(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.accessToken != "" && time.Until(c.tokenExpiry) > time.Minute {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("twitch: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("twitch: token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("twitch: token status %d: %s", resp.StatusCode, string(body))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("twitch: decode token: %w", err)
	}

	c.accessToken = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.accessToken, nil
}
