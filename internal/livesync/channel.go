// Package livesync keeps an assistant and a student on the same page of a
// document over a reconnecting websocket.
package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/lectern/internal/announce"
	"go.uber.org/zap"
)

const (
	baseReconnectDelay       = 500 * time.Millisecond
	maxReconnectDelay        = 10 * time.Second
	defaultKeepaliveInterval = 25 * time.Second
)

// State is the connection state of a Channel.
type State string

const (
	StateIdle        State = "idle"
	StateConnecting  State = "connecting"
	StateOpen        State = "open"
	StateClosedClean State = "closed_clean"
	StateClosedError State = "closed_error"
)

// BackoffDelay returns the wait before reconnect attempt number tries:
// 500ms doubling per attempt, capped at 10s.
func BackoffDelay(tries int) time.Duration {
	if tries < 0 {
		tries = 0
	}
	if tries > 10 {
		return maxReconnectDelay
	}
	delay := baseReconnectDelay << uint(tries)
	if delay > maxReconnectDelay {
		return maxReconnectDelay
	}
	return delay
}

// Timer is a cancelable scheduled call.
type Timer interface {
	Stop() bool
}

// Handlers receive inbound events. Unset handlers are skipped.
type Handlers struct {
	OnOpen         func()
	OnRemotePage   func(page int)
	OnToggleSync   func(enabled bool)
	OnBoardCreated func(data json.RawMessage)
	OnBoardUpdated func(data json.RawMessage)
	OnBoardDeleted func(data json.RawMessage)
	// CurrentPage reports the local page when answering a force-move request.
	// The last page passed to NotifyLocalPage is used when unset.
	CurrentPage func() int
}

// Config describes a Channel.
type Config struct {
	ServerBase        string
	DocumentID        string
	Token             string
	Role              Role
	Dialer            Dialer
	Logger            *zap.Logger
	Announcer         announce.Announcer
	KeepaliveInterval time.Duration
	AfterFunc         func(time.Duration, func()) Timer
}

// Channel is the client side of one document's live sync connection.
type Channel struct {
	url               string
	role              Role
	dialer            Dialer
	logger            *zap.Logger
	announcer         announce.Announcer
	keepaliveInterval time.Duration
	afterFunc         func(time.Duration, func()) Timer

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	started        bool
	conn           Conn
	generation     uint64
	tries          int
	closedByUser   bool
	reconnectTimer Timer
	keepaliveStop  chan struct{}
	totalPages     int
	localPage      int
	handlers       Handlers
	handlersID     uint64
}

// NewChannel constructs a Channel. When the server base, document id, or
// token is missing the channel has no URL: Start does nothing and every send
// reports false.
func NewChannel(cfg Config) *Channel {
	rawURL, _ := BuildURL(cfg.ServerBase, cfg.DocumentID, cfg.Token)

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = NewWebsocketDialer()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var announcer announce.Announcer = announce.Nop{}
	if cfg.Announcer != nil {
		announcer = cfg.Announcer
	}
	interval := cfg.KeepaliveInterval
	if interval <= 0 {
		interval = defaultKeepaliveInterval
	}
	afterFunc := cfg.AfterFunc
	if afterFunc == nil {
		afterFunc = func(delay time.Duration, fn func()) Timer {
			return time.AfterFunc(delay, fn)
		}
	}
	role := cfg.Role
	if role == "" {
		role = RoleStudent
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		url:               rawURL,
		role:              role,
		dialer:            dialer,
		logger:            logger.With(zap.String("document_id", cfg.DocumentID), zap.String("role", string(role))),
		announcer:         announcer,
		keepaliveInterval: interval,
		afterFunc:         afterFunc,
		ctx:               ctx,
		cancel:            cancel,
		state:             StateIdle,
	}
}

// URL returns the socket URL, or "" when the channel cannot connect.
func (c *Channel) URL() string {
	return c.url
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Tries returns the number of reconnect attempts since the last successful open.
func (c *Channel) Tries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tries
}

// SetHandlers replaces the registered handlers. The returned function clears
// them again unless they were replaced in the meantime.
func (c *Channel) SetHandlers(handlers Handlers) func() {
	c.mu.Lock()
	c.handlersID++
	id := c.handlersID
	c.handlers = handlers
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		if c.handlersID == id {
			c.handlers = Handlers{}
		}
		c.mu.Unlock()
	}
}

// SetTotalPages records the document page count used for clamping. Zero
// means unknown.
func (c *Channel) SetTotalPages(total int) {
	c.mu.Lock()
	c.totalPages = total
	c.mu.Unlock()
}

// Start begins connecting in the background.
func (c *Channel) Start() {
	if c.url == "" {
		c.logger.Debug("live sync disabled: missing server base, document id, or token")
		return
	}
	c.mu.Lock()
	if c.started || c.closedByUser {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.connect()
}

// Close shuts the channel down for good with a clean close code.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closedByUser {
		c.mu.Unlock()
		return
	}
	c.closedByUser = true
	conn := c.conn
	c.conn = nil
	c.generation++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopKeepaliveLocked()
	c.state = StateClosedClean
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		if err := conn.Close(CloseNormal, "client closing"); err != nil {
			c.logger.Debug("live sync close reported error", zap.Error(err))
		}
	}
}

// NotifyLocalPage broadcasts the local page. It returns false, and warns the
// user, when the connection is not open; delivery is never assumed.
func (c *Channel) NotifyLocalPage(page int) bool {
	c.mu.Lock()
	page = ClampPage(page, c.totalPages)
	c.localPage = page
	c.mu.Unlock()

	if c.url == "" {
		return false
	}
	if c.send(PageChangeMessage(page)) {
		return true
	}
	c.announcer.Announce(announce.Warning(fmt.Sprintf("Live sync is offline; page %d was not shared", page)))
	return false
}

// SendToggleSync broadcasts the follow toggle with the same contract as
// NotifyLocalPage.
func (c *Channel) SendToggleSync(enabled bool) bool {
	if c.url == "" {
		return false
	}
	if c.send(ToggleSyncMessage(enabled)) {
		return true
	}
	c.announcer.Announce(announce.Warning("Live sync is offline; follow mode change was not shared"))
	return false
}

// SendBoardEvent broadcasts a board mutation. Events are dropped when the
// connection is not open.
func (c *Channel) SendBoardEvent(kind BoardEventKind, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		c.logger.Warn("board event payload not encodable", zap.String("event", string(kind)), zap.Error(err))
		return
	}
	if !c.send(BoardEventMessage(kind, payload)) {
		c.logger.Info("board event dropped: live sync not open", zap.String("event", string(kind)))
	}
}

func (c *Channel) connect() {
	c.mu.Lock()
	if c.closedByUser {
		c.mu.Unlock()
		return
	}
	c.generation++
	generation := c.generation
	c.reconnectTimer = nil
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dialer.Dial(c.ctx, c.url)
	if err != nil {
		c.logger.Warn("live sync dial failed", zap.Error(err))
		c.handleClose(generation, CloseAbnormal)
		return
	}
	if !c.opened(generation, conn) {
		_ = conn.Close(CloseNormal, "superseded")
		return
	}
	go c.readLoop(generation, conn)
}

func (c *Channel) opened(generation uint64, conn Conn) bool {
	c.mu.Lock()
	if c.closedByUser || generation != c.generation {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.state = StateOpen
	c.tries = 0
	stop := make(chan struct{})
	c.keepaliveStop = stop
	handlers := c.handlers
	c.mu.Unlock()

	go c.keepalive(stop)

	c.logger.Info("live sync connected")
	if handlers.OnOpen != nil {
		handlers.OnOpen()
	}
	c.announcer.Announce(announce.Info("Live sync connected"))
	return true
}

func (c *Channel) handleClose(generation uint64, code int) {
	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		return
	}
	c.stopKeepaliveLocked()
	c.conn = nil
	if c.closedByUser || code == CloseNormal {
		c.state = StateClosedClean
		c.mu.Unlock()
		c.logger.Info("live sync closed", zap.Int("code", code))
		return
	}
	c.state = StateClosedError
	delay := BackoffDelay(c.tries)
	c.tries++
	attempt := c.tries
	c.reconnectTimer = c.afterFunc(delay, c.connect)
	c.mu.Unlock()

	c.logger.Warn("live sync dropped; reconnect scheduled",
		zap.Int("code", code),
		zap.Duration("delay", delay),
		zap.Int("attempt", attempt))
}

func (c *Channel) readLoop(generation uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			code := CloseAbnormal
			var closeErr *CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			c.handleClose(generation, code)
			return
		}
		c.dispatch(data)
	}
}

func (c *Channel) dispatch(raw []byte) {
	message, ok := ParseMessage(raw)
	if !ok {
		c.logger.Debug("live sync message dropped", zap.Int("bytes", len(raw)))
		return
	}

	c.mu.Lock()
	handlers := c.handlers
	total := c.totalPages
	c.mu.Unlock()

	switch message.Type {
	case MessageTypePageChange:
		page := ClampPage(*message.Page, total)
		if handlers.OnRemotePage != nil {
			handlers.OnRemotePage(page)
		}
		c.announcer.Announce(announce.Info(fmt.Sprintf("Moved to page %d", page)))
	case MessageTypeBoardEvent:
		var handler func(json.RawMessage)
		switch message.Event {
		case BoardEventCreated:
			handler = handlers.OnBoardCreated
		case BoardEventUpdated:
			handler = handlers.OnBoardUpdated
		case BoardEventDeleted:
			handler = handlers.OnBoardDeleted
		}
		if handler != nil {
			handler(message.Data)
		}
	case MessageTypeToggleSync:
		if handlers.OnToggleSync != nil {
			handlers.OnToggleSync(*message.Enabled)
		}
	case MessageTypeForceMoveRequest:
		if c.role != RoleAssistant {
			return
		}
		page := c.currentPage(handlers)
		if !c.send(PageChangeMessage(page)) {
			c.logger.Info("force move reply dropped: live sync not open", zap.Int("page", page))
		}
	case MessageTypePing:
	}
}

func (c *Channel) currentPage(handlers Handlers) int {
	c.mu.Lock()
	page := c.localPage
	total := c.totalPages
	c.mu.Unlock()
	if handlers.CurrentPage != nil {
		page = handlers.CurrentPage()
	}
	return ClampPage(page, total)
}

func (c *Channel) keepalive(stop <-chan struct{}) {
	ticker := time.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !c.send(PingMessage()) {
				c.logger.Debug("keepalive ping not sent")
			}
		}
	}
}

func (c *Channel) send(message Message) bool {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen && conn != nil
	c.mu.Unlock()
	if !open {
		return false
	}

	data, err := json.Marshal(message)
	if err != nil {
		c.logger.Warn("live sync message not encodable", zap.String("type", string(message.Type)), zap.Error(err))
		return false
	}
	if err := conn.WriteMessage(data); err != nil {
		c.logger.Warn("live sync write failed", zap.String("type", string(message.Type)), zap.Error(err))
		return false
	}
	return true
}

func (c *Channel) stopKeepaliveLocked() {
	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
}
