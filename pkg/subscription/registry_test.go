package subscription

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/fieldchat/pkg/bus"
)

type fakeSub struct {
	id, dest string
	done     chan struct{}
	once     sync.Once
	unsubs   int
	mu       sync.Mutex
}

func (s *fakeSub) ID() string            { return s.id }
func (s *fakeSub) Destination() string   { return s.dest }
func (s *fakeSub) Done() <-chan struct{} { return s.done }

func (s *fakeSub) Unsubscribe() error {
	s.mu.Lock()
	s.unsubs++
	s.mu.Unlock()
	s.invalidate()
	return nil
}

func (s *fakeSub) invalidate() {
	s.once.Do(func() { close(s.done) })
}

type fakeTransport struct {
	mu       sync.Mutex
	subs     []*fakeSub
	delivers map[string]func(bus.Delivery)
	fail     error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{delivers: make(map[string]func(bus.Delivery))}
}

func (f *fakeTransport) Subscribe(dest string, deliver func(bus.Delivery)) (bus.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	s := &fakeSub{id: dest, dest: dest, done: make(chan struct{})}
	f.subs = append(f.subs, s)
	f.delivers[dest] = deliver
	return s, nil
}

func (f *fakeTransport) deliver(dest, body string) {
	f.mu.Lock()
	fn := f.delivers[dest]
	f.mu.Unlock()
	fn(bus.Delivery{Destination: dest, Body: []byte(body)})
}

func (f *fakeTransport) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type payload struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

type collector struct {
	mu  sync.Mutex
	got []payload
}

func (c *collector) add(p payload) {
	c.mu.Lock()
	c.got = append(c.got, p)
	c.mu.Unlock()
}

func (c *collector) items() []payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]payload(nil), c.got...)
}

func TestSubscribe_DeliversInOrder(t *testing.T) {
	tr := newFakeTransport()
	r := NewRegistry(tr, 4)
	defer r.Close()

	var c collector
	_, err := Subscribe(r, "/topic/conv/42", JSON[payload](), c.add)
	require.NoError(t, err)

	for i := 1; i <= 20; i++ {
		tr.deliver("/topic/conv/42", `{"id":`+strconv.Itoa(i)+`}`)
	}
	require.Eventually(t, func() bool { return len(c.items()) == 20 }, time.Second, 5*time.Millisecond)
	for i, p := range c.items() {
		assert.Equal(t, i+1, p.ID)
	}
}

func TestSubscribe_FanOut(t *testing.T) {
	tr := newFakeTransport()
	r := NewRegistry(tr, 0)
	defer r.Close()

	var a, b collector
	ha, err := Subscribe(r, "/topic/conv/1", JSON[payload](), a.add)
	require.NoError(t, err)
	hb, err := Subscribe(r, "/topic/conv/1", JSON[payload](), b.add)
	require.NoError(t, err)

	assert.Equal(t, 1, tr.subCount())
	assert.Equal(t, 1, r.Len())

	tr.deliver("/topic/conv/1", `{"id":7,"text":"hi"}`)
	require.Eventually(t, func() bool {
		return len(a.items()) == 1 && len(b.items()) == 1
	}, time.Second, 5*time.Millisecond)

	ha.Dispose()
	ha.Dispose()
	assert.Equal(t, 1, r.Len())

	tr.deliver("/topic/conv/1", `{"id":8}`)
	require.Eventually(t, func() bool { return len(b.items()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, a.items(), 1)

	hb.Dispose()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 1, tr.subs[0].unsubs)
	select {
	case <-hb.Done():
	default:
		t.Fatal("broker subscription still open")
	}
}

func TestSubscribe_DecodeFailureKeepsSubscription(t *testing.T) {
	tr := newFakeTransport()
	r := NewRegistry(tr, 0)
	defer r.Close()

	var c collector
	_, err := Subscribe(r, "/topic/conv/1", JSON[payload](), c.add)
	require.NoError(t, err)

	tr.deliver("/topic/conv/1", `not json`)
	tr.deliver("/topic/conv/1", `{"id":3}`)
	require.Eventually(t, func() bool { return len(c.items()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, c.items()[0].ID)
}

func TestSubscribe_TransportError(t *testing.T) {
	tr := newFakeTransport()
	tr.fail = errors.New("not connected")
	r := NewRegistry(tr, 0)
	defer r.Close()

	_, err := Subscribe(r, "/topic/conv/1", JSON[payload](), func(payload) {})
	assert.EqualError(t, err, "not connected")
	assert.Equal(t, 0, r.Len())
}

func TestSubscribe_EvictsInvalidatedSubscription(t *testing.T) {
	tr := newFakeTransport()
	r := NewRegistry(tr, 0)
	defer r.Close()

	h, err := Subscribe(r, "/topic/conv/1", JSON[payload](), func(payload) {})
	require.NoError(t, err)

	tr.subs[0].invalidate()
	<-h.Done()
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)

	_, err = Subscribe(r, "/topic/conv/1", JSON[payload](), func(payload) {})
	require.NoError(t, err)
	assert.Equal(t, 2, tr.subCount())

	// Disposing the stale handle must not touch the fresh subscription.
	h.Dispose()
	assert.Equal(t, 1, r.Len())
}

func TestRegistryClose(t *testing.T) {
	tr := newFakeTransport()
	r := NewRegistry(tr, 0)

	_, err := Subscribe(r, "/topic/conv/1", JSON[payload](), func(payload) {})
	require.NoError(t, err)
	_, err = Subscribe(r, "/topic/notifications/9", JSON[payload](), func(payload) {})
	require.NoError(t, err)

	r.Close()
	r.Close()
	assert.Equal(t, 0, r.Len())
	for _, s := range tr.subs {
		assert.Equal(t, 1, s.unsubs)
	}

	_, err = Subscribe(r, "/topic/conv/1", JSON[payload](), func(payload) {})
	assert.ErrorIs(t, err, ErrRegistryClosed)
}
