package client

import (
	"context"
	"sync"

	"coursechat/pkg/types"
)

// MergePushed prepends n unless a record with the same id is already present.
// The input slice is never modified.
func MergePushed(list []*types.Notification, n *types.Notification) []*types.Notification {
	if n == nil {
		return list
	}
	for _, existing := range list {
		if existing.ID == n.ID {
			return list
		}
	}
	out := make([]*types.Notification, 0, len(list)+1)
	out = append(out, n)
	return append(out, list...)
}

// RemoveByID drops the record with id and reports where it was; index is -1 when absent
func RemoveByID(list []*types.Notification, id string) ([]*types.Notification, *types.Notification, int) {
	for i, existing := range list {
		if existing.ID == id {
			out := make([]*types.Notification, 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...), existing, i
		}
	}
	return list, nil, -1
}

// Restore puts n back at index (clamped), unless it is already present
func Restore(list []*types.Notification, n *types.Notification, index int) []*types.Notification {
	if n == nil {
		return list
	}
	for _, existing := range list {
		if existing.ID == n.ID {
			return list
		}
	}
	if index < 0 {
		index = 0
	}
	if index > len(list) {
		index = len(list)
	}
	out := make([]*types.Notification, 0, len(list)+1)
	out = append(out, list[:index]...)
	out = append(out, n)
	return append(out, list[index:]...)
}

// Fetcher is the server side of the cache: the notification REST endpoints
type Fetcher interface {
	Unread(ctx context.Context) ([]*types.Notification, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
}

// cacheState is owned by the consumer goroutine
type cacheState struct {
	list   []*types.Notification
	loaded bool
	stale  bool

	// changes made while a fetch is in flight, re-applied over its result
	loading    int
	during     []*types.Notification
	readDuring map[string]bool
	allRead    bool
}

type cacheCommand func(s *cacheState)

// NotificationCache keeps the unread list of the signed-in user in sync with
// pushes and with optimistic read marking
// ARCHITECTURAL DISCOVERY: All state changes are commands applied by one consumer
// goroutine through the pure merge functions, so pushes, loads and marks never
// race. Network calls happen on the caller's goroutine, never in the consumer.
type NotificationCache struct {
	api      Fetcher
	commands chan cacheCommand
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewNotificationCache starts the consumer goroutine; call Close to stop it
func NewNotificationCache(api Fetcher) *NotificationCache {
	c := &NotificationCache{
		api:      api,
		commands: make(chan cacheCommand, 64),
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.consume()
	return c
}

func (c *NotificationCache) consume() {
	defer c.wg.Done()
	state := &cacheState{list: []*types.Notification{}}
	for {
		select {
		case cmd := <-c.commands:
			cmd(state)
		case <-c.done:
			return
		}
	}
}

// do runs fn on the consumer and waits for it to finish
func (c *NotificationCache) do(fn cacheCommand) error {
	applied := make(chan struct{})
	cmd := func(s *cacheState) {
		fn(s)
		close(applied)
	}
	select {
	case c.commands <- cmd:
	case <-c.done:
		return ErrCacheClosed
	}
	select {
	case <-applied:
		return nil
	case <-c.done:
		return ErrCacheClosed
	}
}

// Close stops the consumer
func (c *NotificationCache) Close() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

// Attach feeds live pushes from m into the cache and invalidates it on every
// reconnect, since pushes sent while offline were never seen. Returns the
// unsubscribe func for the push feed.
func (c *NotificationCache) Attach(m *Manager) func() {
	m.OnReady(c.Invalidate)
	return m.Subscribe(types.KindNewNotification, func(event types.Event) {
		if pushed, ok := event.(types.NewNotification); ok {
			c.Push(pushed.Notification)
		}
	})
}

// Push merges a live notification; duplicates of a cached id are ignored
func (c *NotificationCache) Push(n *types.Notification) {
	_ = c.do(func(s *cacheState) {
		s.list = MergePushed(s.list, n)
		if s.loading > 0 && n != nil {
			s.during = append(s.during, n)
		}
	})
}

// Invalidate marks the cache stale; the next Load refetches
func (c *NotificationCache) Invalidate() {
	_ = c.do(func(s *cacheState) { s.stale = true })
}

// Load returns the cached list, fetching it first when never loaded or stale
func (c *NotificationCache) Load(ctx context.Context) ([]*types.Notification, error) {
	var (
		cached []*types.Notification
		fresh  bool
	)
	if err := c.do(func(s *cacheState) {
		fresh = s.loaded && !s.stale
		if fresh {
			cached = s.list
			return
		}
		s.loading++
	}); err != nil {
		return nil, err
	}
	if fresh {
		return copyList(cached), nil
	}

	fetched, fetchErr := c.api.Unread(ctx)

	var result []*types.Notification
	if err := c.do(func(s *cacheState) {
		s.loading--
		// A mark-all during the fetch wins; the list stays stale for the next load
		if fetchErr == nil && !s.allRead {
			list := copyList(fetched)
			for _, n := range s.during {
				list = MergePushed(list, n)
			}
			for id := range s.readDuring {
				list, _, _ = RemoveByID(list, id)
			}
			s.list = list
			s.loaded = true
			s.stale = false
		}
		if s.loading == 0 {
			s.during = nil
			s.readDuring = nil
			s.allRead = false
		}
		result = s.list
	}); err != nil {
		return nil, err
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	return copyList(result), nil
}

// MarkRead removes id optimistically and restores it at its old position if the
// server refuses
func (c *NotificationCache) MarkRead(ctx context.Context, id string) error {
	var (
		removed *types.Notification
		index   int
	)
	if err := c.do(func(s *cacheState) {
		s.list, removed, index = RemoveByID(s.list, id)
		if s.loading > 0 {
			if s.readDuring == nil {
				s.readDuring = make(map[string]bool)
			}
			s.readDuring[id] = true
		}
	}); err != nil {
		return err
	}

	if err := c.api.MarkRead(ctx, id); err != nil {
		_ = c.do(func(s *cacheState) {
			delete(s.readDuring, id)
			if removed != nil {
				s.list = Restore(s.list, removed, index)
			}
		})
		return err
	}
	return nil
}

// MarkAllRead empties the list optimistically and invalidates it, so the next
// Load reflects whatever the server actually did
func (c *NotificationCache) MarkAllRead(ctx context.Context) error {
	if err := c.do(func(s *cacheState) {
		s.list = []*types.Notification{}
		s.stale = true
		if s.loading > 0 {
			s.allRead = true
		}
	}); err != nil {
		return err
	}
	return c.api.MarkAllRead(ctx)
}

// UnreadCount is the length of the cached list
func (c *NotificationCache) UnreadCount() int {
	var n int
	if err := c.do(func(s *cacheState) { n = len(s.list) }); err != nil {
		return 0
	}
	return n
}

// Snapshot returns the cached list without fetching
func (c *NotificationCache) Snapshot() []*types.Notification {
	var list []*types.Notification
	if err := c.do(func(s *cacheState) { list = s.list }); err != nil {
		return nil
	}
	return copyList(list)
}

func copyList(list []*types.Notification) []*types.Notification {
	out := make([]*types.Notification, len(list))
	copy(out, list)
	return out
}
