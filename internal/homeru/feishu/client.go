// Package feishu connects the bot to Feishu (Lark) through the open platform
// HTTP API.
//
// Inbound messages arrive on an event subscription webhook (see Handler).
// Outbound replies are sent with a tenant access token that the Client
// fetches and caches.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Homeru/common/redact"
	"github.com/bdobrica/Homeru/common/retry"
	"github.com/bdobrica/Homeru/internal/homeru/chat"
)

// DefaultBaseURL is the Feishu open platform endpoint.
const DefaultBaseURL = "https://open.feishu.cn"

// tokenSlack refreshes the tenant token this long before it expires.
const tokenSlack = 5 * time.Minute

// Feishu error codes for an invalid or expired tenant token.
const (
	codeTokenInvalid = 99991663
	codeTokenExpired = 99991677
)

// Config holds the app credentials.
type Config struct {
	AppID     string
	AppSecret string
	// BotOpenID identifies the bot in mention lists.
	BotOpenID string
	// VerificationToken, when set, must match the token field of every
	// callback.
	VerificationToken string
	BaseURL           string
	Timeout           time.Duration
}

// APIError is a non-zero code in a Feishu response body.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string { return fmt.Sprintf("feishu: code %d: %s", e.Code, e.Msg) }

// Client calls the Feishu open API and implements chat.Sender.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
	retry  retry.Config

	tokenMu sync.Mutex
	token   string
	expiry  time.Time

	cacheMu sync.Mutex
	chats   map[string]string
	users   map[string]string

	now func() time.Time
}

var _ chat.Sender = (*Client)(nil)

// New creates a Client. AppID and AppSecret are required.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, errors.New("feishu: app id and app secret are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		retry:  retry.DefaultConfig,
		chats:  make(map[string]string),
		users:  make(map[string]string),
		now:    time.Now,
	}, nil
}

// BotOpenID returns the configured bot open id.
func (c *Client) BotOpenID() string { return c.cfg.BotOpenID }

// SendToRoom posts text into a group chat, prefixed with an @-mention of to.
func (c *Client) SendToRoom(ctx context.Context, chatID, text string, to *chat.Addressee) error {
	if to != nil && to.ID != "" {
		text = fmt.Sprintf(`<at user_id="%s">%s</at> %s`, to.ID, html.EscapeString(to.Name), text)
	}
	return c.sendText(ctx, chatID, text)
}

// SendToContact posts text into a p2p chat.
func (c *Client) SendToContact(ctx context.Context, chatID, text string) error {
	return c.sendText(ctx, chatID, text)
}

func (c *Client) sendText(ctx context.Context, chatID, text string) error {
	content, err := json.Marshal(textContent{Text: text})
	if err != nil {
		return fmt.Errorf("feishu: encode content: %w", err)
	}
	body := map[string]string{
		"receive_id": chatID,
		"msg_type":   messageText,
		"content":    string(content),
	}
	q := url.Values{"receive_id_type": {"chat_id"}}
	if err := c.call(ctx, http.MethodPost, "/open-apis/im/v1/messages", q, body, nil); err != nil {
		return fmt.Errorf("feishu: send message to %s: %w", chatID, err)
	}
	return nil
}

// chatName returns the group name of chatID, or "" when it cannot be
// resolved. Results are cached.
func (c *Client) chatName(ctx context.Context, chatID string) string {
	c.cacheMu.Lock()
	name, ok := c.chats[chatID]
	c.cacheMu.Unlock()
	if ok {
		return name
	}

	var out struct {
		Name string `json:"name"`
	}
	if err := c.call(ctx, http.MethodGet, "/open-apis/im/v1/chats/"+url.PathEscape(chatID), nil, nil, &out); err != nil {
		c.logger.Warn("feishu chat lookup failed", "chat_id", chatID, "err", err)
		return ""
	}
	c.cacheMu.Lock()
	c.chats[chatID] = out.Name
	c.cacheMu.Unlock()
	return out.Name
}

// userName returns the display name of openID, or "" when the contact API
// is not available to the app.
func (c *Client) userName(ctx context.Context, openID string) string {
	c.cacheMu.Lock()
	name, ok := c.users[openID]
	c.cacheMu.Unlock()
	if ok {
		return name
	}

	var out struct {
		User struct {
			Name string `json:"name"`
		} `json:"user"`
	}
	q := url.Values{"user_id_type": {"open_id"}}
	if err := c.call(ctx, http.MethodGet, "/open-apis/contact/v3/users/"+url.PathEscape(openID), q, nil, &out); err != nil {
		c.logger.Debug("feishu user lookup failed", "open_id", openID, "err", err)
		return ""
	}
	c.cacheMu.Lock()
	c.users[openID] = out.User.Name
	c.cacheMu.Unlock()
	return out.User.Name
}

// forgetChat drops the cached name of chatID.
func (c *Client) forgetChat(chatID string) {
	c.cacheMu.Lock()
	delete(c.chats, chatID)
	c.cacheMu.Unlock()
}

// call performs an authenticated API request and decodes the data field of
// the response into out. An invalid token is refreshed once.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	err := c.callOnce(ctx, method, path, query, body, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Code == codeTokenInvalid || apiErr.Code == codeTokenExpired) {
		c.invalidateToken()
		err = c.callOnce(ctx, method, path, query, body, out)
	}
	return err
}

func (c *Client) callOnce(ctx context.Context, method, path string, query url.Values, body, out any) error {
	token, err := c.tenantToken(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	var envelope struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := c.do(req, &envelope); err != nil {
		return err
	}
	if envelope.Code != 0 {
		return &APIError{Code: envelope.Code, Msg: envelope.Msg}
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// do sends req and decodes a JSON body. Non-JSON bodies on HTTP errors are
// reported with the status code.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		if resp.StatusCode >= 300 {
			return fmt.Errorf("http status %d", resp.StatusCode)
		}
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// tenantToken returns a cached tenant access token, fetching a new one when
// the cache is empty or close to expiry.
func (c *Client) tenantToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && c.now().Before(c.expiry) {
		return c.token, nil
	}

	var token string
	var expire int
	err := retry.Do(ctx, c.retry, func() error {
		var err error
		token, expire, err = c.fetchToken(ctx)
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			// Wrong credentials do not fix themselves.
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("feishu: tenant token: %w", err)
	}

	ttl := time.Duration(expire)*time.Second - tokenSlack
	if ttl <= 0 {
		ttl = time.Minute
	}
	c.token = token
	c.expiry = c.now().Add(ttl)
	c.logger.Debug("feishu tenant token refreshed", "expires_in", ttl)
	return token, nil
}

func (c *Client) fetchToken(ctx context.Context) (string, int, error) {
	b, err := json.Marshal(map[string]string{
		"app_id":     c.cfg.AppID,
		"app_secret": c.cfg.AppSecret,
	})
	if err != nil {
		return "", 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/open-apis/auth/v3/tenant_access_token/internal", bytes.NewReader(b))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	var out struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := c.do(req, &out); err != nil {
		return "", 0, err
	}
	if out.Code != 0 {
		return "", 0, &APIError{Code: out.Code, Msg: redact.String(out.Msg, c.cfg.AppSecret)}
	}
	if out.TenantAccessToken == "" {
		return "", 0, errors.New("empty tenant_access_token")
	}
	return out.TenantAccessToken, out.Expire, nil
}

func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenMu.Unlock()
}
