package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Contact is the directory entry for one user.
type Contact struct {
	Name     string `json:"name"`
	Nickname string `json:"nickname"`
}

// DisplayName renders a contact as "name(nickname)", or just the name when
// there is no nickname.
func (c Contact) DisplayName() string {
	if c.Nickname == "" {
		return c.Name
	}
	return fmt.Sprintf("%s(%s)", c.Name, c.Nickname)
}

// HTTPClient looks up contacts on a platform's directory API.
type HTTPClient struct {
	platform   string
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates a directory client for platform.
func NewHTTPClient(platform, baseURL, token string, logger *slog.Logger) (*HTTPClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid directory URL: %w", err)
	}

	client := &HTTPClient{
		platform: platform,
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}

	logger.Info("created directory client", "platform", platform, "url", baseURL)
	return client, nil
}

// Platform returns the platform this directory serves.
func (c *HTTPClient) Platform() string {
	return c.platform
}

// Lookup fetches the contact entry for userID.
func (c *HTTPClient) Lookup(ctx context.Context, userID string) (Contact, error) {
	endpoint := c.baseURL + "/contacts/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Contact{}, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Contact{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Contact{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Contact{}, fmt.Errorf("directory error: %s - %s", resp.Status, string(body))
	}

	var contact Contact
	if err := json.Unmarshal(body, &contact); err != nil {
		return Contact{}, fmt.Errorf("failed to unmarshal contact: %w", err)
	}
	if contact.Name == "" {
		return Contact{}, fmt.Errorf("directory returned no name for %q", userID)
	}
	return contact, nil
}

// LookupName resolves userID to a display name.
func (c *HTTPClient) LookupName(ctx context.Context, userID string) (string, error) {
	contact, err := c.Lookup(ctx, userID)
	if err != nil {
		return "", err
	}
	c.logger.Debug("resolved display name", "platform", c.platform, "user_id", userID)
	return contact.DisplayName(), nil
}
