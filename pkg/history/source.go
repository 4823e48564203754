// Package history loads chat history page by page, strictly forward.
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyland-inc/fieldchat/pkg/logger"
	"github.com/tinyland-inc/fieldchat/pkg/model"
)

// ErrPageOutOfOrder is returned for page N when page N-1 has not been seen
// with more pages after it.
var ErrPageOutOfOrder = errors.New("history page requested out of order")

const DefaultPageSize = 20

// Loader performs one page request.
type Loader[T any] func(ctx context.Context, key model.PageKey) (*model.Page[T], error)

// LoadParams selects the page to load. Key is the page number; 0 loads the
// first page.
type LoadParams struct {
	Key int
}

// LoadResult is the outcome of one Load. On failure only Err is set.
type LoadResult[T any] struct {
	Items   []T
	IsLast  bool
	PrevKey *int
	NextKey *int
	Err     error
}

type pageInfo struct {
	number  int
	nextKey *int
	count   int
}

// Source is one paginated history stream. It remembers the boundaries of
// the pages it has returned so a refresh can resume near the reader.
type Source[T any] struct {
	name     string
	load     Loader[T]
	pageSize int

	mu    sync.Mutex
	pages map[int]pageInfo
}

func NewSource[T any](name string, load Loader[T], pageSize int) *Source[T] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Source[T]{
		name:     name,
		load:     load,
		pageSize: pageSize,
		pages:    make(map[int]pageInfo),
	}
}

func (s *Source[T]) PageSize() int {
	return s.pageSize
}

// Load requests exactly one page. A failure affects only this request.
func (s *Source[T]) Load(ctx context.Context, params LoadParams) LoadResult[T] {
	if err := s.checkOrder(params.Key); err != nil {
		return LoadResult[T]{Err: err}
	}

	key := model.PageKey{PageNumber: params.Key, PageSize: s.pageSize}
	page, err := s.load(ctx, key)
	if err != nil {
		logger.WarnCF("history", "Page load failed", map[string]any{
			"source": s.name,
			"page":   params.Key,
			"error":  err.Error(),
		})
		return LoadResult[T]{Err: fmt.Errorf("load %s page %d: %w", s.name, params.Key, err)}
	}

	var next *int
	if !page.Last {
		n := params.Key + 1
		next = &n
	}

	s.mu.Lock()
	s.pages[params.Key] = pageInfo{number: params.Key, nextKey: next, count: len(page.Content)}
	s.mu.Unlock()

	logger.DebugCF("history", "Page loaded", map[string]any{
		"source": s.name,
		"page":   params.Key,
		"items":  len(page.Content),
		"last":   page.Last,
	})
	return LoadResult[T]{
		Items:   page.Content,
		IsLast:  page.Last,
		NextKey: next,
	}
}

func (s *Source[T]) checkOrder(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: page %d", ErrPageOutOfOrder, n)
	}
	if n == 0 {
		return nil
	}
	s.mu.Lock()
	prev, ok := s.pages[n-1]
	s.mu.Unlock()
	if !ok || prev.nextKey == nil {
		return fmt.Errorf("%w: page %d before page %d", ErrPageOutOfOrder, n, n-1)
	}
	return nil
}

// RefreshKey picks the page to reload so that the item at anchorPosition
// stays in view: prevKey+1 of the closest loaded page if it has one, else
// nextKey-1. It reports false when no key can be derived.
func (s *Source[T]) RefreshKey(anchorPosition int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pages) == 0 || anchorPosition < 0 {
		return 0, false
	}

	numbers := make([]int, 0, len(s.pages))
	for n := range s.pages {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	closest := s.pages[numbers[len(numbers)-1]]
	offset := 0
	for _, n := range numbers {
		p := s.pages[n]
		if anchorPosition < offset+p.count {
			closest = p
			break
		}
		offset += p.count
	}

	// Paging is forward-only, so prevKey is never set.
	if closest.nextKey != nil {
		return *closest.nextKey - 1, true
	}
	return 0, false
}

// Invalidate forgets all page boundaries; paging restarts at page 0.
func (s *Source[T]) Invalidate() {
	s.mu.Lock()
	s.pages = make(map[int]pageInfo)
	s.mu.Unlock()
}

// PageAPI is the part of the REST client the history sources need.
type PageAPI interface {
	ConversationsPage(ctx context.Context, userID int64, key model.PageKey) (*model.Page[model.Conversation], error)
	MessagesPage(ctx context.Context, conversationID int64, key model.PageKey) (*model.Page[model.Message], error)
}

// NewConversationSource pages through a user's conversations.
func NewConversationSource(api PageAPI, userID int64, pageSize int) *Source[model.Conversation] {
	return NewSource(fmt.Sprintf("conversations/user/%d", userID),
		func(ctx context.Context, key model.PageKey) (*model.Page[model.Conversation], error) {
			return api.ConversationsPage(ctx, userID, key)
		}, pageSize)
}

// NewMessageSource pages through a conversation's messages.
func NewMessageSource(api PageAPI, conversationID int64, pageSize int) *Source[model.Message] {
	return NewSource(fmt.Sprintf("messages/conversation/%d", conversationID),
		func(ctx context.Context, key model.PageKey) (*model.Page[model.Message], error) {
			return api.MessagesPage(ctx, conversationID, key)
		}, pageSize)
}
