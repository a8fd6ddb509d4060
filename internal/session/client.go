// Package session talks to the chat server over a websocket and provides the
// topic, sender and uploader collaborators used by the composer.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/memohai/composer/internal/drafty"
	"github.com/memohai/composer/internal/upload"
)

var (
	ErrNotConnected = errors.New("session is not connected")
	ErrRejected     = errors.New("request rejected by server")
)

// Config configures a Client.
type Config struct {
	URL       string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	out.URL = strings.TrimSpace(out.URL)
	if out.UserAgent == "" {
		out.UserAgent = "composer/1.0"
	}
	if out.Timeout <= 0 {
		out.Timeout = 15 * time.Second
	}
	return out
}

// Client is a websocket connection to the chat server.
type Client struct {
	cfg      Config
	uploader upload.Uploader
	logger   *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *msgCtrl
	nextID    atomic.Uint64

	topicsMu sync.Mutex
	topics   map[string]*Topic

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the server. uploader may be nil when the server has no
// upload endpoint, in which case LargeFileHelper reports it as unavailable.
func Dial(ctx context.Context, log *slog.Logger, cfg Config, uploader upload.Uploader) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, errors.New("session url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse session url: %w", err)
	}
	header := http.Header{}
	if cfg.APIKey != "" {
		q := u.Query()
		q.Set("apikey", cfg.APIKey)
		u.RawQuery = q.Encode()
		header.Set("X-Tinode-APIKey", cfg.APIKey)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	c := &Client{
		cfg:      cfg,
		uploader: uploader,
		logger:   log.With(slog.String("service", "session")),
		conn:     conn,
		pending:  make(map[string]chan *msgCtrl),
		topics:   make(map[string]*Topic),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Hi performs the protocol handshake.
func (c *Client) Hi(ctx context.Context) error {
	id := c.newID()
	_, err := c.call(ctx, id, clientMessage{Hi: &msgHi{ID: id, Version: ProtocolVersion, UserAgent: c.cfg.UserAgent}})
	return err
}

// Subscribe attaches to the topic and returns its handle. The access mode
// granted in the reply is kept on the topic.
func (c *Client) Subscribe(ctx context.Context, name string) (*Topic, error) {
	id := c.newID()
	ctrl, err := c.call(ctx, id, clientMessage{Sub: &msgSub{ID: id, Topic: name}})
	if err != nil {
		return nil, err
	}
	var params struct {
		Acs struct {
			Mode string `json:"mode"`
		} `json:"acs"`
	}
	if len(ctrl.Params) > 0 {
		if err := json.Unmarshal(ctrl.Params, &params); err != nil {
			c.logger.Debug("malformed subscribe params", slog.String("topic", name), slog.Any("error", err))
		}
	}
	t := c.Topic(name)
	t.mode.Store(params.Acs.Mode)
	t.subscribed.Store(true)
	return t, nil
}

// Leave detaches from the topic.
func (c *Client) Leave(ctx context.Context, name string) error {
	id := c.newID()
	_, err := c.call(ctx, id, clientMessage{Leave: &msgLeave{ID: id, Topic: name}})
	c.Topic(name).subscribed.Store(false)
	return err
}

// Publish sends content to the topic and returns the assigned sequence id.
// content is either a string or a drafty.Document.
func (c *Client) Publish(ctx context.Context, topic string, content any) (int, error) {
	id := c.newID()
	pub := &msgPub{ID: id, Topic: topic, Content: content}
	switch doc := content.(type) {
	case drafty.Document:
		if err := drafty.Validate(doc); err != nil {
			return 0, err
		}
		if !doc.IsPlain() {
			pub.Head = map[string]string{"mime": drafty.Mime}
		} else {
			pub.Content = doc.Txt
		}
	case string:
	default:
		return 0, fmt.Errorf("unsupported content type %T", content)
	}

	ctrl, err := c.call(ctx, id, clientMessage{Pub: pub})
	if err != nil {
		return 0, err
	}
	var params struct {
		Seq int `json:"seq"`
	}
	if len(ctrl.Params) > 0 {
		_ = json.Unmarshal(ctrl.Params, &params)
	}
	return params.Seq, nil
}

// NoteKeyPress tells the topic that the user is typing. Notes are not
// acknowledged by the server.
func (c *Client) NoteKeyPress(topic string) error {
	return c.writeJSON(clientMessage{Note: &msgNote{Topic: topic, What: "kp"}})
}

// Topic returns the handle for name, creating it unsubscribed.
func (c *Client) Topic(name string) *Topic {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	t, ok := c.topics[name]
	if !ok {
		t = &Topic{client: c, name: name}
		c.topics[name] = t
	}
	return t
}

// LargeFileHelper returns the uploader for out-of-band attachments, or nil
// when none is configured or the connection is closed.
func (c *Client) LargeFileHelper() upload.Uploader {
	if c.uploader == nil || c.closed() {
		return nil
	}
	return c.uploader
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection and fails outstanding requests.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	<-c.done
	return err
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) newID() string {
	return strconv.FormatUint(c.nextID.Add(1), 10)
}

func (c *Client) call(ctx context.Context, id string, msg clientMessage) (*msgCtrl, error) {
	ch := make(chan *msgCtrl, 1)
	c.pendingMu.Lock()
	if c.closed() {
		c.pendingMu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	drop := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}
	if err := c.writeJSON(msg); err != nil {
		drop()
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	select {
	case <-callCtx.Done():
		drop()
		return nil, callCtx.Err()
	case ctrl, ok := <-ch:
		if !ok || ctrl == nil {
			return nil, ErrNotConnected
		}
		if ctrl.Code >= 300 {
			return ctrl, &CtrlError{Code: ctrl.Code, Text: ctrl.Text}
		}
		return ctrl, nil
	}
}

func (c *Client) writeJSON(v any) error {
	if c.closed() {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		c.pendingMu.Lock()
		close(c.done)
		for id, ch := range c.pending {
			delete(c.pending, id)
			close(ch)
		}
		c.pendingMu.Unlock()
		_ = c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				c.logger.Warn("session read failed", slog.Any("error", err))
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("drop malformed server message", slog.Any("error", err))
		return
	}
	if msg.Ctrl == nil {
		return
	}
	if msg.Ctrl.ID == "" {
		c.logger.Debug("unsolicited ctrl", slog.Int("code", msg.Ctrl.Code), slog.String("text", msg.Ctrl.Text))
		return
	}
	c.pendingMu.Lock()
	ch := c.pending[msg.Ctrl.ID]
	delete(c.pending, msg.Ctrl.ID)
	c.pendingMu.Unlock()
	if ch != nil {
		ch <- msg.Ctrl
	}
}

// Topic is a conversation on the server.
type Topic struct {
	client     *Client
	name       string
	subscribed atomic.Bool
	mode       atomic.Value
}

// Name returns the topic name.
func (t *Topic) Name() string {
	return t.name
}

// IsSubscribed reports whether the client is attached to the topic.
func (t *Topic) IsSubscribed() bool {
	return t.subscribed.Load() && !t.client.closed()
}

// Mode returns the access mode granted on subscribe, e.g. "JRWPS". It is
// empty when the server did not report one.
func (t *Topic) Mode() string {
	mode, _ := t.mode.Load().(string)
	return mode
}

// ReadOnly reports whether the granted access mode lacks the write
// permission. An unknown mode is treated as writable.
func (t *Topic) ReadOnly() bool {
	mode := t.Mode()
	return mode != "" && !strings.ContainsRune(mode, 'W')
}

// NoteKeyPress sends a typing notification.
func (t *Topic) NoteKeyPress() {
	if err := t.client.NoteKeyPress(t.name); err != nil {
		t.client.logger.Debug("typing note failed", slog.String("topic", t.name), slog.Any("error", err))
	}
}
