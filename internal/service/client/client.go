// Package client talks to the reachable side of a chat over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"pq_chat/internal/model"
	"pq_chat/internal/repository/chatlog"

	"github.com/gorilla/websocket"
)

const DefaultTimeout = 5 * time.Second

var (
	ErrNoServerKey = errors.New("server did not provide its public key")
)

type (
	StatusError struct {
		Code    int
		Message string
	}

	Client struct {
		base     *url.URL
		chatCode string
		http     *http.Client
	}
)

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

// New returns a client for the server at base, e.g. "http://10.0.0.2:5000".
func New(base string, chatCode string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server url %q has no host", base)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		base:     u,
		chatCode: chatCode,
		http:     &http.Client{Timeout: timeout},
	}, nil
}

// NewPusher returns a client that only pushes to absolute endpoint URLs.
func NewPusher(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

func (c *Client) URL(path string) string {
	u := *c.base
	u.Path = path
	u.RawQuery = ""
	return u.String()
}

// MessageEndpoint is the server's POST /message target.
func (c *Client) MessageEndpoint() model.PeerEndpoint {
	return model.PeerEndpoint{URL: c.URL("/message"), ChatCode: c.chatCode}
}

// ExchangeKeys posts own and returns the server's public key, asking for it
// separately when the exchange response does not carry it.
func (c *Client) ExchangeKeys(ctx context.Context, own []byte) ([]byte, error) {
	var res model.PublicKeyExchangeResponse
	req := model.PublicKeyRequest{PublicKey: base64.StdEncoding.EncodeToString(own)}
	if err := c.do(ctx, http.MethodPost, c.URL("/public_key"), req, &res); err != nil {
		return nil, fmt.Errorf("exchange public key: %w", err)
	}
	if res.ServerPublicKey != nil {
		return base64.StdEncoding.DecodeString(*res.ServerPublicKey)
	}

	return c.PublicKey(ctx)
}

func (c *Client) PublicKey(ctx context.Context) ([]byte, error) {
	var res model.PublicKeyResponse
	if err := c.do(ctx, http.MethodGet, c.URL("/public_key"), nil, &res); err != nil {
		return nil, fmt.Errorf("get public key: %w", err)
	}
	if res.PublicKey == nil {
		return nil, ErrNoServerKey
	}
	return base64.StdEncoding.DecodeString(*res.PublicKey)
}

// Register asks the server to push new messages to callback.
func (c *Client) Register(ctx context.Context, callback string) error {
	req := model.ConnectRequest{URL: callback, ChatCode: c.chatCode}
	return c.do(ctx, http.MethodPost, c.URL("/connect"), req, nil)
}

// ReadSince polls the server's log. A rejected cursor maps to
// chatlog.ErrInvalidCursor.
func (c *Client) ReadSince(ctx context.Context, _ string, cursor chatlog.Cursor) ([][]byte, chatlog.Cursor, error) {
	u := *c.base
	u.Path = "/messages"
	u.RawQuery = url.Values{"since": []string{strconv.FormatInt(int64(cursor), 10)}}.Encode()

	var res model.MessagesResponse
	err := c.do(ctx, http.MethodGet, u.String(), nil, &res)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusRequestedRangeNotSatisfiable {
		return nil, cursor, fmt.Errorf("%w: %s", chatlog.ErrInvalidCursor, se.Message)
	}
	if err != nil {
		return nil, cursor, err
	}

	entries := make([][]byte, 0, len(res.Messages))
	for _, m := range res.Messages {
		// undecodable entries are skipped like undecryptable ones
		b, err := base64.StdEncoding.DecodeString(m)
		if err != nil {
			continue
		}
		entries = append(entries, b)
	}
	return entries, chatlog.Cursor(res.Cursor), nil
}

func (c *Client) Length(ctx context.Context) (chatlog.Cursor, error) {
	var res model.CursorResponse
	if err := c.do(ctx, http.MethodGet, c.URL("/messages/cursor"), nil, &res); err != nil {
		return 0, err
	}
	return chatlog.Cursor(res.Cursor), nil
}

// Push delivers sealed to any endpoint that accepts a MessageRequest.
func (c *Client) Push(ctx context.Context, ep model.PeerEndpoint, sealed []byte) error {
	req := model.MessageRequest{Message: base64.StdEncoding.EncodeToString(sealed)}
	return c.do(ctx, http.MethodPost, ep.URL, req, nil)
}

// Stream dials the server's websocket and hands every pushed payload to
// onMessage until ctx ends or the connection drops.
func (c *Client) Stream(ctx context.Context, onMessage func(sealed []byte)) error {
	u := *c.base
	u.Scheme = "ws"
	if c.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = "/stream"
	u.RawQuery = url.Values{"chat_code": []string{c.chatCode}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var req model.MessageRequest
		if err := conn.ReadJSON(&req); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		sealed, err := base64.StdEncoding.DecodeString(req.Message)
		if err != nil {
			continue
		}
		onMessage(sealed)
	}
}

func (c *Client) do(ctx context.Context, method, target string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		var status model.StatusResponse
		_ = json.NewDecoder(resp.Body).Decode(&status)
		return &StatusError{Code: resp.StatusCode, Message: status.Error}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
