// Package client is the Go client for the chat server. It implements the
// persistence gateway and the streaming responder used by a chat session.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"gwi.com/polychat/internal/api"
	"gwi.com/polychat/internal/chaterr"
	"gwi.com/polychat/internal/core"
	"gwi.com/polychat/internal/store"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithToken authenticates every request with a bearer token.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		dialer:     websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// send performs the request; non-2xx responses become *chaterr.Error and
// network failures become offline:chat.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(req.Context(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, chaterr.Decode(resp)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.As(err, &netErr) {
		return chaterr.Wrap(chaterr.Offline, chaterr.SurfaceChat, err)
	}
	return err
}

func (c *Client) CreateChat(ctx context.Context, clientID, title string) (*store.Chat, error) {
	var chat store.Chat
	if err := c.do(ctx, http.MethodPost, "/api/chats", api.CreateChatRequest{ID: clientID, Title: title}, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// GetChat returns (nil, nil) when the chat does not exist.
func (c *Client) GetChat(ctx context.Context, clientID string) (*store.ChatWithMessages, error) {
	var chat store.ChatWithMessages
	err := c.do(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(clientID), nil, &chat)
	if chaterr.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (c *Client) UpsertMessage(ctx context.Context, in store.UpsertMessageInput) error {
	path := fmt.Sprintf("/api/chats/%s/messages/%s", url.PathEscape(in.ChatClientID), url.PathEscape(in.MessageClientID))
	return c.do(ctx, http.MethodPut, path, api.UpsertMessageRequest{
		Role:          in.Role,
		Content:       in.Content,
		ModelID:       in.ModelID,
		ModelProvider: in.ModelProvider,
	}, nil)
}

func (c *Client) EditMessage(ctx context.Context, clientID, content string) error {
	return c.do(ctx, http.MethodPatch, "/api/messages/"+url.PathEscape(clientID), api.EditMessageRequest{Content: content}, nil)
}

func (c *Client) SetModelPreference(ctx context.Context, model string) error {
	return c.do(ctx, http.MethodPut, "/api/preferences/model", api.ModelPreferenceRequest{Model: model}, nil)
}

func (c *Client) Models(ctx context.Context) (*api.ModelsResponse, error) {
	var out api.ModelsResponse
	if err := c.do(ctx, http.MethodGet, "/api/models", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stream posts one turn to the chat endpoint and hands every chunk to onDelta
// as it arrives. A failure reported in the trailer after output started is
// returned with the partial completion.
func (c *Client) Stream(ctx context.Context, req core.StreamRequest, onDelta func(string)) (core.Completion, error) {
	var out core.Completion

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/chat", req)
	if err != nil {
		return out, err
	}
	resp, err := c.send(httpReq)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	var text strings.Builder
	buf := make([]byte, 4096)
	var carry []byte // bytes of a character cut by the previous read
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			cut := completeRunes(data)
			carry = append([]byte(nil), data[cut:]...)
			if cut > 0 {
				chunk := string(data[:cut])
				text.WriteString(chunk)
				if onDelta != nil {
					onDelta(chunk)
				}
			}
		}
		if errors.Is(err, io.EOF) {
			if len(carry) > 0 {
				text.Write(carry)
				if onDelta != nil {
					onDelta(string(carry))
				}
			}
			break
		}
		if err != nil {
			out.Text = text.String()
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			return out, chaterr.Wrap(chaterr.BadRequest, chaterr.SurfaceStream, err)
		}
	}

	out.Text = text.String()
	if n, err := strconv.Atoi(resp.Trailer.Get(api.TrailerTokenCount)); err == nil {
		out.Tokens = n
	}
	if code := resp.Trailer.Get(api.TrailerStreamErr); code != "" {
		return out, chaterr.Parse(code, "stream ended with "+code)
	}
	return out, nil
}

// completeRunes returns the length of the longest prefix of b that does not
// end inside a multi-byte character.
func completeRunes(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

// Watch subscribes to the chat's live query. The channel closes when ctx ends
// or the connection drops.
func (c *Client) Watch(ctx context.Context, chatClientID string) (<-chan []store.Message, error) {
	u, err := url.Parse(c.baseURL + "/api/chats/" + url.PathEscape(chatClientID) + "/live")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			defer resp.Body.Close()
			return nil, chaterr.Decode(resp)
		}
		return nil, transportError(ctx, err)
	}

	out := make(chan []store.Message, 1)
	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()
	go func() {
		defer close(out)
		for {
			var frame api.LiveFrame
			if err := conn.ReadJSON(&frame); err != nil {
				if ctx.Err() == nil {
					log.Printf("[Client] Live query for chat %s ended: %v", chatClientID, err)
				}
				return
			}
			if frame.Type != "messages" {
				continue
			}
			select {
			case out <- frame.Data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
