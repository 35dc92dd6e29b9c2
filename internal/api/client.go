package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/go-chatclient/internal/types"
)

const requestTimeout = 15 * time.Second

// Client wraps the remote REST API with bearer-token auth. All 401
// responses funnel into a single auth-lost hook rather than being
// handled per call site.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *log.Logger

	mu         sync.Mutex
	token      string
	onAuthLost func()
}

func NewClient(baseURL, token string, logger *log.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        logger,
		token:      token,
	}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// OnAuthLost registers the single handler invoked when any call
// returns a 401. The credential is cleared before it fires.
func (c *Client) OnAuthLost(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAuthLost = fn
}

func (c *Client) authLost() {
	c.mu.Lock()
	c.token = ""
	fn := c.onAuthLost
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.log.Printf("api: %s %s: authentication lost", method, path)
		c.authLost()
		return fmt.Errorf("%s %s: %w", method, path, ErrAuthLost)
	}

	if resp.StatusCode >= 400 {
		apiErr := &ApiError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(resp.Body)
		var errResp errorResponse
		if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

type nameRequest struct {
	Name string `json:"name"`
}

type contentRequest struct {
	Content string `json:"content"`
}

func (c *Client) ListServers(ctx context.Context) ([]types.Server, error) {
	var servers []types.Server
	if err := c.do(ctx, http.MethodGet, "/servers", nil, &servers); err != nil {
		return nil, err
	}
	return servers, nil
}

func (c *Client) CreateServer(ctx context.Context, name string) (*types.Server, error) {
	var server types.Server
	if err := c.do(ctx, http.MethodPost, "/servers", &nameRequest{Name: name}, &server); err != nil {
		return nil, err
	}
	return &server, nil
}

func (c *Client) GetServer(ctx context.Context, id string) (*types.Server, error) {
	var server types.Server
	if err := c.do(ctx, http.MethodGet, "/servers/"+id, nil, &server); err != nil {
		return nil, err
	}
	return &server, nil
}

func (c *Client) UpdateServer(ctx context.Context, id, name string) (*types.Server, error) {
	var server types.Server
	if err := c.do(ctx, http.MethodPut, "/servers/"+id, &nameRequest{Name: name}, &server); err != nil {
		return nil, err
	}
	return &server, nil
}

func (c *Client) DeleteServer(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/servers/"+id, nil, nil)
}

func (c *Client) JoinServer(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/servers/"+id+"/join", nil, nil)
}

func (c *Client) LeaveServer(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/servers/"+id+"/leave", nil, nil)
}

func (c *Client) ListMembers(ctx context.Context, serverId string) ([]types.Member, error) {
	var members []types.Member
	if err := c.do(ctx, http.MethodGet, "/servers/"+serverId+"/members", nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (c *Client) ListChannels(ctx context.Context, serverId string) ([]types.Channel, error) {
	var channels []types.Channel
	if err := c.do(ctx, http.MethodGet, "/servers/"+serverId+"/channels", nil, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

func (c *Client) CreateChannel(ctx context.Context, serverId, name string) (*types.Channel, error) {
	var channel types.Channel
	if err := c.do(ctx, http.MethodPost, "/servers/"+serverId+"/channels", &nameRequest{Name: name}, &channel); err != nil {
		return nil, err
	}
	return &channel, nil
}

func (c *Client) GetChannel(ctx context.Context, id string) (*types.Channel, error) {
	var channel types.Channel
	if err := c.do(ctx, http.MethodGet, "/channels/"+id, nil, &channel); err != nil {
		return nil, err
	}
	return &channel, nil
}

func (c *Client) UpdateChannel(ctx context.Context, id, name string) (*types.Channel, error) {
	var channel types.Channel
	if err := c.do(ctx, http.MethodPut, "/channels/"+id, &nameRequest{Name: name}, &channel); err != nil {
		return nil, err
	}
	return &channel, nil
}

func (c *Client) DeleteChannel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+id, nil, nil)
}

func (c *Client) ListMessages(ctx context.Context, channelId string, limit int) ([]types.Message, error) {
	var messages []types.Message
	path := fmt.Sprintf("/channels/%s/messages?limit=%d", channelId, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *Client) UpdateMessage(ctx context.Context, id, content string) (*types.Message, error) {
	var message types.Message
	if err := c.do(ctx, http.MethodPut, "/messages/"+id, &contentRequest{Content: content}, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+id, nil, nil)
}

func (c *Client) CreateInvite(ctx context.Context, serverId string) (*types.Invite, error) {
	var invite types.Invite
	if err := c.do(ctx, http.MethodPost, "/servers/"+serverId+"/invites", nil, &invite); err != nil {
		return nil, err
	}
	return &invite, nil
}

func (c *Client) GetInvite(ctx context.Context, code string) (*types.Invite, error) {
	var invite types.Invite
	if err := c.do(ctx, http.MethodGet, "/invites/"+code, nil, &invite); err != nil {
		return nil, err
	}
	return &invite, nil
}

func (c *Client) AcceptInvite(ctx context.Context, code string) (*types.Server, error) {
	var server types.Server
	if err := c.do(ctx, http.MethodPost, "/invites/"+code+"/accept", nil, &server); err != nil {
		return nil, err
	}
	return &server, nil
}

func (c *Client) Me(ctx context.Context) (*types.User, error) {
	var user types.User
	if err := c.do(ctx, http.MethodGet, "/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) UpdateMe(ctx context.Context, username string) (*types.User, error) {
	var user types.User
	if err := c.do(ctx, http.MethodPatch, "/me", &struct {
		Username string `json:"username"`
	}{Username: username}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}
