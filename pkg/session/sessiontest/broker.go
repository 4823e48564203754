// Package sessiontest provides an in-process STOMP-over-WebSocket broker and
// bootstrap endpoint for exercising a chat session end to end.
package sessiontest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/fieldchat/pkg/model"
	"github.com/tinyland-inc/fieldchat/pkg/stomp"
)

const (
	PublishTemplate      = "/app/chat/{conversationId}"
	ConversationTemplate = "/topic/conv/{conversationId}"
	NotificationTemplate = "/topic/notifications/{userId}"

	BootstrapPath = "/api/chat/session"
)

// Broker is a minimal STOMP 1.2 broker. It acknowledges every receipt
// request and records each client frame it sees.
type Broker struct {
	Server *httptest.Server

	upgrader websocket.Upgrader
	mux      *http.ServeMux

	mu        sync.Mutex
	conns     map[*brokerConn]struct{}
	frames    []stomp.Frame
	echo      bool
	rejectAll bool
	failSends int
	nextID    int64

	bootstrapCalls atomic.Int32
	failBootstrap  atomic.Bool
}

type brokerConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	subs    map[string]string // subscription id -> destination
}

// NewBroker starts a broker that is shut down with t's cleanup.
func NewBroker(t testing.TB) *Broker {
	t.Helper()
	b := &Broker{conns: make(map[*brokerConn]struct{})}
	b.mux = http.NewServeMux()
	b.mux.HandleFunc(BootstrapPath, b.serveBootstrap)
	b.mux.HandleFunc("/chat", b.serveWS)
	b.Server = httptest.NewServer(b.mux)
	t.Cleanup(func() {
		b.CloseConnections()
		b.Server.Close()
	})
	return b
}

// APIBase is the REST base URL serving the bootstrap endpoint.
func (b *Broker) APIBase() string {
	return b.Server.URL + "/api"
}

// HandleAPI serves an extra REST route under APIBase, e.g. "GET /chat/users/{userId}/conversations".
func (b *Broker) HandleAPI(pattern string, h http.HandlerFunc) {
	method, path, ok := strings.Cut(pattern, " ")
	if !ok {
		method, path = "", pattern
	}
	route := "/api" + path
	if method != "" {
		route = method + " " + route
	}
	b.mux.HandleFunc(route, h)
}

func (b *Broker) info() (*model.SessionInfo, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(b.Server.URL, "http://"))
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	return &model.SessionInfo{
		ServerHost:                    host,
		ServerPort:                    port,
		PublishDestinationTemplate:    PublishTemplate,
		SubscribeConversationTemplate: ConversationTemplate,
		SubscribeNotificationTemplate: NotificationTemplate,
	}, nil
}

// FetchBootstrap lets a Session use the broker without a REST client.
func (b *Broker) FetchBootstrap(_ context.Context) (*model.SessionInfo, error) {
	b.bootstrapCalls.Add(1)
	if b.failBootstrap.Load() {
		return nil, errors.New("bootstrap unavailable")
	}
	return b.info()
}

func (b *Broker) serveBootstrap(w http.ResponseWriter, _ *http.Request) {
	b.bootstrapCalls.Add(1)
	if b.failBootstrap.Load() {
		http.Error(w, "bootstrap unavailable", http.StatusServiceUnavailable)
		return
	}
	info, err := b.info()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

func (b *Broker) BootstrapCalls() int {
	return int(b.bootstrapCalls.Load())
}

func (b *Broker) FailBootstrap(fail bool) {
	b.failBootstrap.Store(fail)
}

// RejectConnects makes the broker answer CONNECT with an ERROR frame.
func (b *Broker) RejectConnects(reject bool) {
	b.mu.Lock()
	b.rejectAll = reject
	b.mu.Unlock()
}

// FailNextSends answers the next n SEND frames with an ERROR frame.
func (b *Broker) FailNextSends(n int) {
	b.mu.Lock()
	b.failSends = n
	b.mu.Unlock()
}

// EchoMessages turns SEND /app/chat/N into MESSAGE on /topic/conv/N with a
// server-assigned id and timestamp.
func (b *Broker) EchoMessages(echo bool) {
	b.mu.Lock()
	b.echo = echo
	b.mu.Unlock()
}

// Frames returns the client frames received with the given command.
func (b *Broker) Frames(command string) []stomp.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []stomp.Frame
	for _, f := range b.frames {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

// SubscriptionCount is the number of live subscriptions to destination.
func (b *Broker) SubscriptionCount(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for c := range b.conns {
		for _, dest := range c.subs {
			if dest == destination {
				n++
			}
		}
	}
	return n
}

// Publish delivers body to every subscriber of destination.
func (b *Broker) Publish(destination string, body []byte) {
	b.mu.Lock()
	type target struct {
		conn *brokerConn
		sub  string
	}
	var targets []target
	for c := range b.conns {
		for id, dest := range c.subs {
			if dest == destination {
				targets = append(targets, target{c, id})
			}
		}
	}
	b.nextID++
	msgID := "m-" + strconv.FormatInt(b.nextID, 10)
	b.mu.Unlock()

	for _, tg := range targets {
		f := stomp.NewFrame(stomp.Message,
			stomp.HdrDestination, destination,
			stomp.HdrSubscription, tg.sub,
			stomp.HdrMessageID, msgID,
			stomp.HdrContentType, "application/json",
		)
		f.Body = body
		_ = tg.conn.write(f)
	}
}

// CloseConnections drops every client socket without a DISCONNECT.
func (b *Broker) CloseConnections() {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

func (c *brokerConn) write(f stomp.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, f.Marshal())
}

func (b *Broker) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &brokerConn{ws: ws, subs: make(map[string]string)}
	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := stomp.Parse(data)
		if errors.Is(err, stomp.ErrHeartbeat) {
			continue
		}
		if err != nil {
			_ = c.write(stomp.NewFrame(stomp.Error, stomp.HdrMessage, err.Error()))
			return
		}
		if !b.handle(c, f) {
			return
		}
	}
}

// handle processes one client frame and reports whether to keep reading.
func (b *Broker) handle(c *brokerConn, f stomp.Frame) bool {
	b.mu.Lock()
	b.frames = append(b.frames, f)
	b.mu.Unlock()

	switch f.Command {
	case stomp.Connect:
		b.mu.Lock()
		reject := b.rejectAll
		b.mu.Unlock()
		if reject {
			_ = c.write(stomp.NewFrame(stomp.Error, stomp.HdrMessage, "access denied"))
			return false
		}
		b.mu.Lock()
		b.conns[c] = struct{}{}
		b.mu.Unlock()
		_ = c.write(stomp.NewFrame(stomp.Connected, stomp.HdrVersion, "1.2", stomp.HdrHeartBeat, "0,0"))

	case stomp.Subscribe:
		b.mu.Lock()
		c.subs[f.Header(stomp.HdrID)] = f.Header(stomp.HdrDestination)
		b.mu.Unlock()
		b.receipt(c, f)

	case stomp.Unsubscribe:
		b.mu.Lock()
		delete(c.subs, f.Header(stomp.HdrID))
		b.mu.Unlock()
		b.receipt(c, f)

	case stomp.Send:
		b.mu.Lock()
		fail := b.failSends > 0
		if fail {
			b.failSends--
		}
		echo := b.echo
		b.mu.Unlock()
		if fail {
			e := stomp.NewFrame(stomp.Error, stomp.HdrMessage, "send rejected")
			if id := f.Header(stomp.HdrReceipt); id != "" {
				e.SetHeader(stomp.HdrReceiptID, id)
			}
			_ = c.write(e)
			return true
		}
		b.receipt(c, f)
		if echo {
			b.echoSend(f)
		}

	case stomp.Disconnect:
		b.receipt(c, f)
		return false
	}
	return true
}

func (b *Broker) receipt(c *brokerConn, f stomp.Frame) {
	if id := f.Header(stomp.HdrReceipt); id != "" {
		_ = c.write(stomp.NewFrame(stomp.Receipt, stomp.HdrReceiptID, id))
	}
}

func (b *Broker) echoSend(f stomp.Frame) {
	prefix := strings.TrimSuffix(PublishTemplate, "{conversationId}")
	dest := f.Header(stomp.HdrDestination)
	if !strings.HasPrefix(dest, prefix) {
		return
	}
	convID, err := strconv.ParseInt(strings.TrimPrefix(dest, prefix), 10, 64)
	if err != nil {
		return
	}

	var out model.OutboundMessage
	if err := json.Unmarshal(f.Body, &out); err != nil {
		return
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	msg := model.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       out.SenderID,
		Text:           out.Text,
		Type:           model.MessageTypeText,
		Timestamp:      time.Now().UTC(),
	}
	if len(out.Attachments) > 0 {
		msg.Type = model.MessageTypeFile
		for i, u := range out.Attachments {
			msg.Attachments = append(msg.Attachments, model.Attachment{ID: strconv.Itoa(i + 1), URL: u})
		}
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	topic := strings.Replace(ConversationTemplate, "{conversationId}", strconv.FormatInt(convID, 10), 1)
	b.Publish(topic, body)
}

// MessageJSON encodes a message the way the broker delivers it.
func MessageJSON(t testing.TB, msg model.Message) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	return data
}

// Topic resolves a conversation topic with the broker's template.
func Topic(conversationID int64) string {
	return fmt.Sprintf("/topic/conv/%d", conversationID)
}
