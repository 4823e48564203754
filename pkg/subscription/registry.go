// Package subscription keeps at most one broker subscription per destination
// and fans decoded frames out to every handler registered for it.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/tinyland-inc/fieldchat/pkg/bus"
	"github.com/tinyland-inc/fieldchat/pkg/logger"
)

// ErrRegistryClosed is returned by Subscribe after Close.
var ErrRegistryClosed = errors.New("subscription registry closed")

// Transport opens broker-level subscriptions.
type Transport interface {
	Subscribe(destination string, deliver func(bus.Delivery)) (bus.Subscription, error)
}

// Decoder turns a frame body into a typed payload.
type Decoder[T any] func([]byte) (T, error)

// JSON decodes frame bodies as JSON into T.
func JSON[T any]() Decoder[T] {
	return func(data []byte) (T, error) {
		var v T
		err := json.Unmarshal(data, &v)
		return v, err
	}
}

type Registry struct {
	transport   Transport
	mailboxSize int

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	wg      sync.WaitGroup
}

type entry struct {
	destination string
	sub         bus.Subscription
	box         *bus.Mailbox

	mu       sync.Mutex
	handlers map[uint64]func([]byte)
	nextID   uint64
}

func NewRegistry(transport Transport, mailboxSize int) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		transport:   transport,
		mailboxSize: mailboxSize,
		ctx:         ctx,
		cancel:      cancel,
		entries:     make(map[string]*entry),
	}
}

// Handle is one registration returned by Subscribe.
type Handle struct {
	registry *Registry
	entry    *entry
	id       uint64
	once     sync.Once
}

func (h *Handle) Destination() string {
	return h.entry.destination
}

// Done is closed when the underlying broker subscription ends.
func (h *Handle) Done() <-chan struct{} {
	return h.entry.sub.Done()
}

// Dispose removes the handler. The broker subscription is released together
// with the last handle for its destination. Safe to call more than once.
func (h *Handle) Dispose() {
	h.once.Do(func() {
		h.registry.release(h.entry, h.id)
	})
}

// Subscribe registers handler for destination. The first registration opens
// the broker subscription; later ones share it. Handlers for one destination
// run sequentially on a dedicated goroutine in arrival order. Frames that
// fail to decode are logged and dropped.
func Subscribe[T any](r *Registry, destination string, decode Decoder[T], handler func(T)) (*Handle, error) {
	fn := func(body []byte) {
		v, err := decode(body)
		if err != nil {
			logger.WarnCF("subscription", "Dropping undecodable frame", map[string]any{
				"destination": destination,
				"error":       err.Error(),
			})
			return
		}
		handler(v)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}

	e, ok := r.entries[destination]
	if ok {
		select {
		case <-e.sub.Done():
			// Invalidated by the session but not evicted yet.
			r.evictLocked(e)
			ok = false
		default:
		}
	}
	if !ok {
		var err error
		e, err = r.open(destination)
		if err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers[id] = fn
	e.mu.Unlock()

	return &Handle{registry: r, entry: e, id: id}, nil
}

// open creates the entry, its broker subscription and its goroutines.
// Called with r.mu held.
func (r *Registry) open(destination string) (*entry, error) {
	box := bus.NewMailbox(r.mailboxSize)
	sub, err := r.transport.Subscribe(destination, func(d bus.Delivery) {
		if err := box.Publish(r.ctx, d); err != nil && !errors.Is(err, bus.ErrMailboxClosed) {
			logger.DebugCF("subscription", "Delivery dropped", map[string]any{
				"destination": destination,
				"error":       err.Error(),
			})
		}
	})
	if err != nil {
		box.Close()
		return nil, err
	}

	e := &entry{
		destination: destination,
		sub:         sub,
		box:         box,
		handlers:    make(map[uint64]func([]byte)),
	}
	r.entries[destination] = e

	r.wg.Add(2)
	go r.pump(e)
	go r.watch(e)

	logger.DebugCF("subscription", "Destination opened", map[string]any{"destination": destination})
	return e, nil
}

func (r *Registry) pump(e *entry) {
	defer r.wg.Done()
	for {
		d, ok := e.box.Consume(r.ctx)
		if !ok {
			return
		}
		e.mu.Lock()
		handlers := make([]func([]byte), 0, len(e.handlers))
		for id := uint64(1); id <= e.nextID; id++ {
			if h, ok := e.handlers[id]; ok {
				handlers = append(handlers, h)
			}
		}
		e.mu.Unlock()

		for _, h := range handlers {
			h(d.Body)
		}
	}
}

// watch evicts the entry once the session invalidates its subscription, so
// a later Subscribe opens a fresh one.
func (r *Registry) watch(e *entry) {
	defer r.wg.Done()
	select {
	case <-e.sub.Done():
	case <-e.box.Done():
		return
	case <-r.ctx.Done():
		return
	}
	r.mu.Lock()
	r.evictLocked(e)
	r.mu.Unlock()
}

func (r *Registry) evictLocked(e *entry) {
	if cur, ok := r.entries[e.destination]; ok && cur == e {
		delete(r.entries, e.destination)
	}
	e.box.Close()
}

func (r *Registry) release(e *entry, id uint64) {
	e.mu.Lock()
	delete(e.handlers, id)
	remaining := len(e.handlers)
	e.mu.Unlock()
	if remaining > 0 {
		return
	}

	r.mu.Lock()
	e.mu.Lock()
	// A concurrent Subscribe may have added a handler meanwhile.
	if len(e.handlers) > 0 {
		e.mu.Unlock()
		r.mu.Unlock()
		return
	}
	e.mu.Unlock()
	r.evictLocked(e)
	r.mu.Unlock()

	if err := e.sub.Unsubscribe(); err != nil {
		logger.WarnCF("subscription", "Unsubscribe failed", map[string]any{
			"destination": e.destination,
			"error":       err.Error(),
		})
	}
}

// Len is the number of destinations with a live broker subscription.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close releases every subscription and waits for the delivery goroutines.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	for _, e := range entries {
		r.evictLocked(e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		_ = e.sub.Unsubscribe()
	}
	r.cancel()
	r.wg.Wait()
}
