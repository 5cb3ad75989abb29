package tickrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client provides a Go SDK for interacting with the tickrelay server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewClient creates a new tickrelay client for the server at baseURL
// (e.g. "http://localhost:5000").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     websocket.DefaultDialer,
	}
}

// APIError is a non-2xx response from the HTTP API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tickrelay: HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, v any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// GetBars retrieves up to limit historical bars for symbol, oldest first.
// A limit of 0 uses the server default.
func (c *Client) GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var body map[string][]Bar
	path := "/historical/" + url.PathEscape(symbol) + "/" + url.PathEscape(timeframe)
	if err := c.getJSON(ctx, path, q, &body); err != nil {
		return nil, err
	}
	return body[strings.ToUpper(symbol)], nil
}

// GetAccount retrieves the account balance.
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	var a Account
	if err := c.getJSON(ctx, "/api/account", nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetOrders retrieves journaled orders, newest first. An empty status
// matches every order.
func (c *Client) GetOrders(ctx context.Context, status string, limit int) ([]Order, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var orders []Order
	if err := c.getJSON(ctx, "/api/orders", q, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

// Stream is an open WebSocket session with the gateway.
type Stream struct {
	conn *websocket.Conn
	msgs chan Message

	writeMu sync.Mutex

	errMu sync.Mutex
	err   error
}

// Stream dials the gateway's WebSocket endpoint. Received frames are
// delivered on Messages until the connection ends.
func (c *Client) Stream(ctx context.Context) (*Stream, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"
	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}
	s := &Stream{conn: conn, msgs: make(chan Message, 64)}
	go s.readLoop()
	return s, nil
}

func (s *Stream) readLoop() {
	defer close(s.msgs)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.setErr(err)
			}
			return
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			s.setErr(fmt.Errorf("decoding frame: %w", err))
			return
		}
		s.msgs <- m
	}
}

func (s *Stream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Messages returns the channel of received frames. It is closed when the
// connection ends.
func (s *Stream) Messages() <-chan Message { return s.msgs }

func (s *Stream) send(req Request) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("sending %s: %w", req.Type, err)
	}
	return nil
}

// Subscribe asks for ticks of instrument ("EXCHANGE:SYMBOL" or "SYMBOL").
func (s *Stream) Subscribe(instrument string) error {
	return s.send(Request{Type: TypeSubscribe, Instrument: instrument})
}

// Unsubscribe stops ticks of instrument.
func (s *Stream) Unsubscribe(instrument string) error {
	return s.send(Request{Type: TypeUnsubscribe, Instrument: instrument})
}

// Trade submits a trade intent. The result arrives as an orderResult frame
// carrying req.Ref.
func (s *Stream) Trade(req Request) error {
	req.Type = TypeTrade
	return s.send(req)
}

// Balance requests a balance frame.
func (s *Stream) Balance() error {
	return s.send(Request{Type: TypeBalance})
}

// Ping requests a pong frame.
func (s *Stream) Ping() error {
	return s.send(Request{Type: TypePing})
}

// Close sends a close frame and closes the connection.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}
