package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ClientIDHeader identifies a client instance across reconnects.
const ClientIDHeader = "X-Client-ID"

// maxSSEFrameSize bounds the data of a single event.
const maxSSEFrameSize = 64 << 10

var (
	ErrStreamClosed  = errors.New("stream closed by server")
	ErrFrameTooLarge = fmt.Errorf("event exceeds %d bytes", maxSSEFrameSize)
)

// DialerFor picks a transport by URL scheme: ws and wss use WebSocket,
// everything else Server-Sent Events.
func DialerFor(rawURL string) (Dialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid stream url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return NewWebSocketDialer(websocket.DefaultDialer), nil
	case "http", "https":
		return NewSSEDialer(http.DefaultClient), nil
	default:
		return nil, fmt.Errorf("unsupported stream scheme %q", u.Scheme)
	}
}

// SSEDialer opens Server-Sent Events streams.
type SSEDialer struct {
	client   *http.Client
	clientID string
}

// NewSSEDialer uses client for requests. The client must not set a Timeout,
// since streams are long-lived.
func NewSSEDialer(client *http.Client) *SSEDialer {
	return &SSEDialer{client: client, clientID: uuid.NewString()}
}

func (d *SSEDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set(ClientIDHeader, d.clientID)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected content type %q", ct)
	}

	return &sseConn{body: resp.Body, reader: bufio.NewReaderSize(resp.Body, maxSSEFrameSize)}, nil
}

type sseConn struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

// Next returns the data of the next event. Comments and fields other than
// data are skipped; multi-line data is joined with newlines. Events whose data
// grows past maxSSEFrameSize fail with ErrFrameTooLarge.
func (c *sseConn) Next() ([]byte, error) {
	var data []string
	size := 0
	for {
		raw, err := c.reader.ReadSlice('\n')
		if err != nil {
			switch {
			case errors.Is(err, bufio.ErrBufferFull):
				return nil, ErrFrameTooLarge
			case errors.Is(err, io.EOF):
				return nil, ErrStreamClosed
			}
			return nil, err
		}
		line := strings.TrimRight(string(raw), "\r\n")

		if line == "" {
			if len(data) > 0 {
				return []byte(strings.Join(data, "\n")), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		if field == "data" {
			value = strings.TrimPrefix(value, " ")
			if size += len(value) + 1; size > maxSSEFrameSize {
				return nil, ErrFrameTooLarge
			}
			data = append(data, value)
		}
	}
}

func (c *sseConn) Close() error {
	return c.body.Close()
}

// WebSocketDialer opens WebSocket streams.
type WebSocketDialer struct {
	dialer   *websocket.Dialer
	clientID string
}

func NewWebSocketDialer(dialer *websocket.Dialer) *WebSocketDialer {
	return &WebSocketDialer{dialer: dialer, clientID: uuid.NewString()}
}

func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	header := http.Header{}
	header.Set(ClientIDHeader, d.clientID)

	conn, resp, err := d.dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	return &wsConn{conn: conn, stop: stop}, nil
}

type wsConn struct {
	conn *websocket.Conn
	stop func() bool
}

func (c *wsConn) Next() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, ErrStreamClosed
		}
		return nil, err
	}
	return msg, nil
}

func (c *wsConn) Close() error {
	c.stop()
	return c.conn.Close()
}
