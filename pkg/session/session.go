// Package session owns the persistent broker connection of the chat feature.
//
// A Session fetches the broker endpoint from the bootstrap API, opens a STOMP
// over WebSocket connection and runs one read loop per connection. Frames for
// a subscription are handed to the subscription's deliver callback on that
// read loop; callers are expected to move them elsewhere quickly (see package
// subscription). Reconnecting is always an explicit Connect call.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tinyland-inc/fieldchat/pkg/bus"
	"github.com/tinyland-inc/fieldchat/pkg/destination"
	"github.com/tinyland-inc/fieldchat/pkg/logger"
	"github.com/tinyland-inc/fieldchat/pkg/model"
	"github.com/tinyland-inc/fieldchat/pkg/publisher"
	"github.com/tinyland-inc/fieldchat/pkg/stomp"
)

const (
	DefaultScheme                = "ws"
	DefaultPath                  = "/chat"
	DefaultDisconnectDestination = "/app/chat.disconnect"
	DefaultDisconnectRetries     = 2

	defaultConnectTimeout = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
)

// BootstrapFetcher returns the broker endpoint and destination templates.
type BootstrapFetcher interface {
	FetchBootstrap(ctx context.Context) (*model.SessionInfo, error)
}

// BootstrapFunc adapts a function to BootstrapFetcher.
type BootstrapFunc func(ctx context.Context) (*model.SessionInfo, error)

func (f BootstrapFunc) FetchBootstrap(ctx context.Context) (*model.SessionInfo, error) {
	return f(ctx)
}

// Options configures a Session.
type Options struct {
	Scheme         string
	Path           string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// ReceiptTimeout > 0 makes Publish and Disconnect wait for broker receipts.
	ReceiptTimeout time.Duration
	// Heartbeat > 0 enables client heart-beats at that interval.
	Heartbeat time.Duration

	UserID                int64
	DisconnectDestination string
	DisconnectRetries     int

	Tokens oauth2.TokenSource
	Dialer *websocket.Dialer
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Scheme:                DefaultScheme,
		Path:                  DefaultPath,
		ConnectTimeout:        defaultConnectTimeout,
		WriteTimeout:          defaultWriteTimeout,
		DisconnectDestination: DefaultDisconnectDestination,
		DisconnectRetries:     DefaultDisconnectRetries,
	}
}

// Session is one chat-feature activation's broker connection.
type Session struct {
	fetcher   BootstrapFetcher
	opts      Options
	dialer    *websocket.Dialer
	publisher *publisher.Publisher

	lifecycle    sync.Mutex
	connectGroup singleflight.Group
	state        atomic.Int32

	mu   sync.RWMutex
	conn *websocket.Conn
	info model.SessionInfo
	done chan struct{} // closed when the current read loop exits

	writeMu sync.Mutex

	subsMu   sync.Mutex
	subsOpen bool
	subs     map[string]*subscription
	receipts map[string]chan error

	nextSub atomic.Uint64
}

// New creates a disconnected Session.
func New(fetcher BootstrapFetcher, opts Options) *Session {
	if opts.Scheme == "" {
		opts.Scheme = DefaultScheme
	}
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.DisconnectRetries < 0 {
		opts.DisconnectRetries = 0
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.ConnectTimeout,
		}
	}

	s := &Session{
		fetcher:  fetcher,
		opts:     opts,
		dialer:   dialer,
		subs:     make(map[string]*subscription),
		receipts: make(map[string]chan error),
	}
	s.publisher = publisher.New(s)
	return s
}

// EndpointURL builds the broker WebSocket URL.
func EndpointURL(scheme, host string, port int, path string) string {
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   path,
	}
	return u.String()
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// Info returns the bootstrap data of the live connection, or the zero value.
func (s *Session) Info() model.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// Templates returns the destination templates of the live connection.
func (s *Session) Templates() destination.Templates {
	return destination.FromSessionInfo(s.Info())
}

// Connect fetches the bootstrap data and opens the broker connection. It is
// a no-op when already connected; concurrent callers share one attempt.
func (s *Session) Connect(ctx context.Context) error {
	if s.IsConnected() {
		return nil
	}
	_, err, _ := s.connectGroup.Do("connect", func() (any, error) {
		s.lifecycle.Lock()
		defer s.lifecycle.Unlock()
		if s.IsConnected() {
			return nil, nil
		}
		return nil, s.connect(ctx)
	})
	return err
}

func (s *Session) connect(ctx context.Context) error {
	// A read loop that lost its socket may still be releasing resources.
	s.mu.RLock()
	prev := s.done
	s.mu.RUnlock()
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return &ConnectionError{Op: "dial", Err: ctx.Err()}
		}
	}

	s.state.Store(int32(StateConnecting))
	logger.InfoC("session", "Connecting")

	info, err := s.fetcher.FetchBootstrap(ctx)
	if err != nil {
		return s.fail("bootstrap", err)
	}

	endpoint := EndpointURL(s.opts.Scheme, info.ServerHost, info.ServerPort, s.opts.Path)
	auth, err := s.authorization()
	if err != nil {
		return s.fail("dial", err)
	}
	var header http.Header
	if auth != "" {
		header = http.Header{"Authorization": []string{auth}}
	}

	conn, _, err := s.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return s.fail("dial", fmt.Errorf("%s: %w", endpoint, err))
	}

	if err := s.handshake(conn, info.ServerHost, auth); err != nil {
		conn.Close()
		return s.fail("handshake", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.info = *info
	s.done = done
	s.mu.Unlock()

	s.subsMu.Lock()
	s.subsOpen = true
	s.subsMu.Unlock()

	s.state.Store(int32(StateConnected))
	go s.readLoop(conn, done)
	if s.opts.Heartbeat > 0 {
		go s.heartbeat(conn, done)
	}

	logger.InfoCF("session", "Connected", map[string]any{
		"endpoint": endpoint,
	})
	return nil
}

func (s *Session) fail(op string, err error) error {
	s.state.Store(int32(StateDisconnected))
	logger.ErrorCF("session", "Connect failed", map[string]any{
		"op":    op,
		"error": err.Error(),
	})
	return &ConnectionError{Op: op, Err: err}
}

func (s *Session) authorization() (string, error) {
	if s.opts.Tokens == nil {
		return "", nil
	}
	tok, err := s.opts.Tokens.Token()
	if err != nil {
		return "", fmt.Errorf("fetching token: %w", err)
	}
	return tok.Type() + " " + tok.AccessToken, nil
}

func (s *Session) handshake(conn *websocket.Conn, host, auth string) error {
	hb := "0,0"
	if s.opts.Heartbeat > 0 {
		hb = fmt.Sprintf("%d,0", s.opts.Heartbeat.Milliseconds())
	}
	f := stomp.NewFrame(stomp.Connect,
		stomp.HdrAcceptVersion, "1.2",
		stomp.HdrHost, host,
		stomp.HdrHeartBeat, hb,
	)
	if auth != "" {
		f.SetHeader(stomp.HdrAuthorization, auth)
	}

	conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, f.Marshal()); err != nil {
		return fmt.Errorf("write CONNECT: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(s.opts.ConnectTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read CONNECTED: %w", err)
		}
		reply, err := stomp.Parse(data)
		if errors.Is(err, stomp.ErrHeartbeat) {
			continue
		}
		if err != nil {
			return err
		}
		switch reply.Command {
		case stomp.Connected:
			return nil
		case stomp.Error:
			return reply.AsError()
		default:
			return fmt.Errorf("unexpected %s frame before CONNECTED", reply.Command)
		}
	}
}

// Disconnect performs the two-phase shutdown: a best-effort "disconnected"
// notification, then an unconditional teardown. It returns once the socket
// is closed, the read loop has exited and all subscriptions are invalidated.
func (s *Session) Disconnect(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting)) {
		return
	}
	logger.InfoC("session", "Disconnecting")

	s.mu.RLock()
	conn, done := s.conn, s.done
	s.mu.RUnlock()

	s.notifyDisconnected(ctx)

	if err := s.sendFrame(ctx, conn, stomp.NewFrame(stomp.Disconnect)); err != nil {
		logger.DebugCF("session", "DISCONNECT not confirmed", map[string]any{"error": err.Error()})
	}
	conn.Close()
	<-done
	s.release(conn, ErrSessionClosed)
}

func (s *Session) notifyDisconnected(ctx context.Context) {
	if s.opts.DisconnectDestination == "" {
		return
	}
	payload, err := json.Marshal(model.PresenceUpdate{
		SenderID: s.opts.UserID,
		Status:   model.PresenceDisconnected,
	})
	if err != nil {
		return
	}
	_ = s.publisher.Send(ctx, s.opts.DisconnectDestination, payload,
		publisher.WithMaxRetries(s.opts.DisconnectRetries),
		publisher.WithOnFailure(func(err error) {
			logger.WarnCF("session", "Disconnect notification failed", map[string]any{
				"destination": s.opts.DisconnectDestination,
				"error":       err.Error(),
			})
		}),
	)
}

// release tears down everything tied to conn. Called exactly once per
// connection, either by Disconnect or by the read loop after a lost socket.
func (s *Session) release(conn *websocket.Conn, cause error) {
	conn.Close()

	s.subsMu.Lock()
	subs, receipts := s.subs, s.receipts
	s.subs = make(map[string]*subscription)
	s.receipts = make(map[string]chan error)
	s.subsOpen = false
	s.subsMu.Unlock()

	for _, sub := range subs {
		sub.invalidate()
	}
	for _, ch := range receipts {
		ch <- cause
	}

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.info = model.SessionInfo{}
	}
	s.mu.Unlock()

	s.state.Store(int32(StateDisconnected))
	logger.InfoCF("session", "Session closed", map[string]any{
		"subscriptions": len(subs),
		"cause":         cause.Error(),
	})
}

// activeConn returns the socket while it may still be written to.
func (s *Session) activeConn() *websocket.Conn {
	switch s.State() {
	case StateConnected, StateDisconnecting:
	default:
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Publish sends payload to destination as one SEND frame. With receipts
// enabled it also waits for the broker to confirm the frame.
func (s *Session) Publish(ctx context.Context, destination string, payload []byte) error {
	conn := s.activeConn()
	if conn == nil {
		return ErrNotConnected
	}
	f := stomp.NewFrame(stomp.Send,
		stomp.HdrDestination, destination,
		stomp.HdrContentType, "application/json",
	)
	f.Body = payload
	return s.sendFrame(ctx, conn, f)
}

func (s *Session) sendFrame(ctx context.Context, conn *websocket.Conn, f stomp.Frame) error {
	var wait chan error
	if s.opts.ReceiptTimeout > 0 {
		id := uuid.NewString()
		f.SetHeader(stomp.HdrReceipt, id)
		wait = s.expectReceipt(id)
		defer s.forgetReceipt(id)
	}

	if err := s.write(conn, f); err != nil {
		if dest := f.Header(stomp.HdrDestination); dest != "" {
			return fmt.Errorf("%s %s: %w", strings.ToLower(f.Command), dest, err)
		}
		return fmt.Errorf("%s: %w", strings.ToLower(f.Command), err)
	}
	if wait == nil {
		return nil
	}

	timer := time.NewTimer(s.opts.ReceiptTimeout)
	defer timer.Stop()
	select {
	case err := <-wait:
		return err
	case <-timer.C:
		return ErrReceiptTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) write(conn *websocket.Conn, f stomp.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, f.Marshal())
}

func (s *Session) expectReceipt(id string) chan error {
	ch := make(chan error, 1)
	s.subsMu.Lock()
	s.receipts[id] = ch
	s.subsMu.Unlock()
	return ch
}

func (s *Session) forgetReceipt(id string) {
	s.subsMu.Lock()
	delete(s.receipts, id)
	s.subsMu.Unlock()
}

func (s *Session) resolveReceipt(id string, err error) {
	s.subsMu.Lock()
	ch, ok := s.receipts[id]
	delete(s.receipts, id)
	s.subsMu.Unlock()
	if ok {
		ch <- err
	}
}

// Subscribe registers a broker subscription for destination. deliver runs on
// the read loop goroutine for every MESSAGE frame of the subscription.
func (s *Session) Subscribe(destination string, deliver func(bus.Delivery)) (bus.Subscription, error) {
	conn := s.activeConn()
	if conn == nil || !s.IsConnected() {
		return nil, ErrNotConnected
	}

	sub := &subscription{
		id:          "sub-" + strconv.FormatUint(s.nextSub.Add(1), 10),
		destination: destination,
		session:     s,
		deliver:     deliver,
		done:        make(chan struct{}),
	}

	s.subsMu.Lock()
	if !s.subsOpen {
		s.subsMu.Unlock()
		return nil, ErrNotConnected
	}
	s.subs[sub.id] = sub
	s.subsMu.Unlock()

	f := stomp.NewFrame(stomp.Subscribe,
		stomp.HdrID, sub.id,
		stomp.HdrDestination, destination,
		stomp.HdrAck, "auto",
	)
	if err := s.write(conn, f); err != nil {
		s.subsMu.Lock()
		delete(s.subs, sub.id)
		s.subsMu.Unlock()
		sub.invalidate()
		return nil, fmt.Errorf("subscribe %s: %w", destination, err)
	}

	logger.DebugCF("session", "Subscribed", map[string]any{
		"destination":  destination,
		"subscription": sub.id,
	})
	return sub, nil
}

func (s *Session) unsubscribe(sub *subscription) error {
	defer sub.invalidate()

	s.subsMu.Lock()
	_, live := s.subs[sub.id]
	delete(s.subs, sub.id)
	s.subsMu.Unlock()
	if !live {
		return nil
	}

	conn := s.activeConn()
	if conn == nil {
		return nil
	}
	if err := s.write(conn, stomp.NewFrame(stomp.Unsubscribe, stomp.HdrID, sub.id)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub.destination, err)
	}
	logger.DebugCF("session", "Unsubscribed", map[string]any{
		"destination":  sub.destination,
		"subscription": sub.id,
	})
	return nil
}

func (s *Session) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting)) {
				logger.WarnCF("session", "Connection lost", map[string]any{"error": err.Error()})
				s.release(conn, fmt.Errorf("%w: %v", ErrConnectionLost, err))
			}
			return
		}

		frame, err := stomp.Parse(data)
		if errors.Is(err, stomp.ErrHeartbeat) {
			continue
		}
		if err != nil {
			logger.WarnCF("session", "Dropping malformed frame", map[string]any{"error": err.Error()})
			continue
		}
		s.handleFrame(frame)
	}
}

func (s *Session) handleFrame(f stomp.Frame) {
	switch f.Command {
	case stomp.Message:
		s.dispatch(f)
	case stomp.Receipt:
		s.resolveReceipt(f.Header(stomp.HdrReceiptID), nil)
	case stomp.Error:
		be := f.AsError()
		if id := f.Header(stomp.HdrReceiptID); id != "" {
			s.resolveReceipt(id, be)
			return
		}
		logger.ErrorCF("session", "Broker error", map[string]any{
			"message": be.Message,
			"body":    be.Body,
		})
	default:
		logger.DebugCF("session", "Ignoring frame", map[string]any{"command": f.Command})
	}
}

func (s *Session) dispatch(f stomp.Frame) {
	id := f.Header(stomp.HdrSubscription)
	s.subsMu.Lock()
	sub := s.subs[id]
	s.subsMu.Unlock()
	if sub == nil {
		logger.DebugCF("session", "Message for unknown subscription", map[string]any{
			"subscription": id,
			"destination":  f.Header(stomp.HdrDestination),
		})
		return
	}

	sub.deliver(bus.Delivery{
		Destination:    f.Header(stomp.HdrDestination),
		SubscriptionID: id,
		MessageID:      f.Header(stomp.HdrMessageID),
		ContentType:    f.Header(stomp.HdrContentType),
		Headers:        f.Headers,
		Body:           f.Body,
		ReceivedAt:     time.Now(),
	})
}

func (s *Session) heartbeat(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			err := conn.WriteMessage(websocket.TextMessage, []byte("\n"))
			s.writeMu.Unlock()
			if err != nil {
				logger.DebugCF("session", "Heart-beat failed", map[string]any{"error": err.Error()})
				return
			}
		}
	}
}

type subscription struct {
	id          string
	destination string
	session     *Session
	deliver     func(bus.Delivery)

	done      chan struct{}
	closeOnce sync.Once
	unsubOnce sync.Once
	unsubErr  error
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) Destination() string { return s.destination }

func (s *subscription) Done() <-chan struct{} { return s.done }

// Unsubscribe is idempotent; only the first call talks to the broker.
func (s *subscription) Unsubscribe() error {
	s.unsubOnce.Do(func() {
		s.unsubErr = s.session.unsubscribe(s)
	})
	return s.unsubErr
}

func (s *subscription) invalidate() {
	s.closeOnce.Do(func() { close(s.done) })
}
