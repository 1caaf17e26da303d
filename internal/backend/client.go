package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// defaultTransport is the fallback for in-cluster / Docker connectivity.
var defaultTransport http.RoundTripper = &http.Transport{
	MaxIdleConns:        50,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
}

// Client talks to sandbox agents. Deadlines come from the caller's
// context (every call goes through Call), so the HTTP client itself
// carries no timeout.
type Client struct {
	// Resolve maps a backendRef to the agent's base HTTP URL.
	Resolve func(ctx context.Context, ref string) (string, error)
	// Token returns the shared agent bearer token; empty disables auth.
	Token func() (string, error)
	// Transport overrides the default transport when the compute provider
	// needs one (e.g. API-server proxying for out-of-cluster dev).
	Transport http.RoundTripper
}

func (c *Client) httpClient() *http.Client {
	transport := defaultTransport
	if c.Transport != nil {
		transport = c.Transport
	}
	return &http.Client{Transport: transport}
}

func (c *Client) authHeader() (http.Header, error) {
	if c.Token == nil {
		return nil, nil
	}
	token, err := c.Token()
	if err != nil {
		return nil, fmt.Errorf("agent token: %w", err)
	}
	if token == "" {
		return nil, nil
	}
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

// Probe checks the agent's health endpoint. A non-200 answer is a backend
// error; transport failures come back unchanged.
func (c *Client) Probe(ctx context.Context, ref string) error {
	base, err := c.Resolve(ctx, ref)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", ref, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		return err
	}
	if h, err := c.authHeader(); err != nil {
		return err
	} else if h != nil {
		req.Header = h
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent %s unhealthy: status %d", ref, resp.StatusCode)
	}
	return nil
}

// DialTerminal opens the agent's terminal stream. The returned connection
// is ready for relaying; the caller owns closing it.
func (c *Client) DialTerminal(ctx context.Context, ref string, subprotocols []string) (*websocket.Conn, error) {
	base, err := c.Resolve(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}

	// Convert http(s):// to ws(s)://
	wsURL := strings.Replace(base, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/terminal"

	header, err := c.authHeader()
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: subprotocols,
		HTTPClient:   c.httpClient(),
		HTTPHeader:   header,
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
