// Package reconcile merges live-delivered and paged history messages of one
// conversation into a single ordered, duplicate-free list.
package reconcile

import (
	"sort"
	"sync"

	"github.com/tinyland-inc/fieldchat/pkg/model"
)

// Merge returns the union of a and b ordered by timestamp, ties by id, with
// each message id present once. When both contain an id, the copy from a wins.
// Neither input is modified.
func Merge(a, b []model.Message) []model.Message {
	out := make([]model.Message, 0, len(a)+len(b))
	seen := make(map[int64]struct{}, len(a)+len(b))
	for _, list := range [][]model.Message{a, b} {
		for _, m := range list {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Before(out[j])
	})
	return out
}

// View is the visible message list of one open conversation. Live frames and
// page loads may arrive concurrently; every mutation holds one lock.
type View struct {
	mu       sync.Mutex
	seen     map[int64]struct{}
	messages []model.Message
	closed   bool
}

func NewView() *View {
	return &View{seen: make(map[int64]struct{})}
}

// AddLive inserts a live-delivered message unless its id is already shown.
// It reports whether the view changed.
func (v *View) AddLive(m model.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}
	if _, ok := v.seen[m.ID]; ok {
		return false
	}
	v.seen[m.ID] = struct{}{}

	i := sort.Search(len(v.messages), func(i int) bool {
		return m.Before(v.messages[i])
	})
	v.messages = append(v.messages, model.Message{})
	copy(v.messages[i+1:], v.messages[i:])
	v.messages[i] = m
	return true
}

// MergePage adds the messages of a history page that are not shown yet and
// returns the ones that were added.
func (v *View) MergePage(items []model.Message) []model.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}

	var fresh []model.Message
	for _, m := range items {
		if _, ok := v.seen[m.ID]; ok {
			continue
		}
		v.seen[m.ID] = struct{}{}
		fresh = append(fresh, m)
	}
	if len(fresh) > 0 {
		v.messages = Merge(v.messages, fresh)
	}
	return fresh
}

// Messages returns a snapshot of the ordered list.
func (v *View) Messages() []model.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]model.Message, len(v.messages))
	copy(out, v.messages)
	return out
}

func (v *View) Contains(id int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.seen[id]
	return ok
}

func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.messages)
}

// Close discards the seen-id set and the list. Later updates are ignored.
func (v *View) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	v.seen = nil
	v.messages = nil
}
