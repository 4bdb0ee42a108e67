// Package pairly is the Go client SDK for the Pairly backend.
//
// The interesting part is the realtime synchronization core: a Session that
// keeps one live event connection per authenticated identity, an
// UnreadCounter and PresenceCache fed by inbound events, a Reconciler that
// polls the canonical profile as a safety net for dropped pushes, and a
// Guard/NetworkSignal pair that gives every network call a uniform
// retry prompt.
//
// Example:
//
//	client := pairly.NewClient("")
//	login, _ := client.Auth.Login(ctx, "a@example.com", "secret")
//	client.SetToken(login.Token)
//
//	identity := pairly.Identity{ID: login.User.ID, Token: login.Token}
//	session := pairly.NewSession(pairly.DefaultBaseURL, nil)
//	unread := pairly.NewUnreadCounter(client.Conversations.List)
//	session.BindUnread(unread)
//	session.Open(identity)
//	defer session.Close()
package pairly

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "https://api.pairly.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP API client. The realtime core treats it as a set of
// collaborators: Conversations seeds the unread counter, Users feeds the
// reconciler, Auth produces identities.
type Client struct {
	token      string
	baseURL    string
	assetHost  string
	httpClient *http.Client

	Auth          *AuthClient
	Users         *UsersClient
	Conversations *ConversationsClient
	Devices       *DevicesClient
	Uploads       *UploadsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithAssetHost overrides the direct-upload asset host (default Cloudinary).
func WithAssetHost(url string) ClientOption {
	return func(c *Client) { c.assetHost = strings.TrimRight(url, "/") }
}

// NewClient creates a new Pairly client.
// token is optional; pass "" before login and call SetToken afterwards.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:     token,
		baseURL:   DefaultBaseURL,
		assetHost: "https://api.cloudinary.com",
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{client: c}
	c.Users = &UsersClient{client: c}
	c.Conversations = &ConversationsClient{client: c}
	c.Devices = &DevicesClient{client: c}
	c.Uploads = &UploadsClient{client: c}
	return c
}

// SetToken sets or updates the bearer token, typically after login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

// doRequest performs one API call. A transport failure comes back wrapped
// (network-class for the Guard); a non-2xx answer comes back as *APIError
// (application-class, passed through unchanged).
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var parsed struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &parsed) == nil && parsed.Message != "" {
			apiErr.Message = parsed.Message
		}
		return nil, apiErr
	}

	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Auth
// ============================================================================

// AuthClient handles credential login and the current user record.
type AuthClient struct{ client *Client }

func (a *AuthClient) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	data, err := a.client.doRequest(ctx, "POST", "/api/auth/login",
		map[string]string{"email": email, "password": password}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[LoginResult](data)
}

func (a *AuthClient) Me(ctx context.Context) (*User, error) {
	data, err := a.client.doRequest(ctx, "GET", "/api/auth/me", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// ============================================================================
// Users
// ============================================================================

// UsersClient fetches profile records. Reconciler uses Get as its
// canonical-profile source.
type UsersClient struct{ client *Client }

func (u *UsersClient) Get(ctx context.Context, userID string) (*User, error) {
	data, err := u.client.doRequest(ctx, "GET", "/api/users/"+userID, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

func (u *UsersClient) Update(ctx context.Context, userID string, fields map[string]any) (*User, error) {
	data, err := u.client.doRequest(ctx, "PATCH", "/api/users/"+userID, fields, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient lists threads and marks them read. List is the seed
// source for UnreadCounter.
type ConversationsClient struct{ client *Client }

func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	data, err := cv.client.doRequest(ctx, "GET", "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	var conversations []Conversation
	if err := json.Unmarshal(data, &conversations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return conversations, nil
}

func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID string) error {
	_, err := cv.client.doRequest(ctx, "POST", "/api/conversations/"+conversationID+"/read", nil, nil)
	return err
}

// ============================================================================
// Devices
// ============================================================================

// DevicesClient registers push-notification device tokens.
type DevicesClient struct{ client *Client }

func (d *DevicesClient) Register(ctx context.Context, pushToken string) error {
	_, err := d.client.doRequest(ctx, "POST", "/api/devices",
		map[string]string{"pushToken": pushToken}, nil)
	return err
}

func (d *DevicesClient) Unregister(ctx context.Context, pushToken string) error {
	_, err := d.client.doRequest(ctx, "DELETE", "/api/devices",
		map[string]string{"pushToken": pushToken}, nil)
	return err
}

// ============================================================================
// Uploads
// ============================================================================

// UploadsClient uploads images straight to the asset host using a signature
// minted by the backend. Moderation happens server-side; the approval comes
// back later as a "photo approved" realtime event.
type UploadsClient struct{ client *Client }

// Signature requests a short-lived signing grant from the backend.
func (up *UploadsClient) Signature(ctx context.Context) (*UploadSignature, error) {
	data, err := up.client.doRequest(ctx, "GET", "/api/cloudinary/signature", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[UploadSignature](data)
}

// UploadImage pushes raw image bytes to the asset host and returns the
// served URL.
func (up *UploadsClient) UploadImage(ctx context.Context, data []byte) (string, error) {
	sig, err := up.Signature(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get upload signature: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("file", "data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString(data))
	_ = w.WriteField("signature", sig.Signature)
	_ = w.WriteField("timestamp", strconv.FormatInt(sig.Timestamp, 10))
	_ = w.WriteField("api_key", sig.APIKey)
	_ = w.WriteField("folder", sig.Folder)
	_ = w.WriteField("public_id", uuid.NewString())
	_ = w.Close()

	uploadURL := up.client.assetHost + "/v1_1/" + sig.CloudName + "/image/upload"
	req, err := http.NewRequestWithContext(ctx, "POST", uploadURL, &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := up.client.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", &APIError{Status: resp.StatusCode, Message: "asset upload rejected: " + strings.TrimSpace(string(respBody))}
	}

	var uploaded struct {
		SecureURL string `json:"secure_url"`
	}
	if err := json.Unmarshal(respBody, &uploaded); err != nil {
		return "", fmt.Errorf("failed to unmarshal upload response: %w", err)
	}
	return uploaded.SecureURL, nil
}
