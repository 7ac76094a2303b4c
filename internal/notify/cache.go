// Package notify keeps the local notification list and its unread counter
// in step with the server.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukerupert/driverlink/internal/api"
)

const (
	PageSize = 50
	MaxPages = 20
)

type Notification = api.Notification

// Backend is the server side of the notification list.
type Backend interface {
	ListNotifications(ctx context.Context, page, pageSize int) (*api.NotificationPage, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// Cache holds the notification list. Local state only changes after the
// server accepted the change.
type Cache struct {
	backend Backend
	logger  *slog.Logger

	mu       sync.Mutex
	items    []Notification
	unread   int
	onChange func(unread int)
}

func NewCache(b Backend, logger *slog.Logger) *Cache {
	return &Cache{backend: b, logger: logger}
}

// OnChange registers fn, called with the new unread count after every
// change of the list.
func (c *Cache) OnChange(fn func(unread int)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Fetch replaces the list with the server's. On failure the cache is left
// untouched.
func (c *Cache) Fetch(ctx context.Context) error {
	var (
		items        []Notification
		serverUnread int
	)
	for page := 1; page <= MaxPages; page++ {
		p, err := c.backend.ListNotifications(ctx, page, PageSize)
		if err != nil {
			return fmt.Errorf("fetch notifications page %d: %w", page, err)
		}
		if page == 1 {
			serverUnread = p.UnreadCount
		}
		items = append(items, p.Notifications...)
		if len(p.Notifications) < PageSize || (p.Total > 0 && len(items) >= p.Total) {
			break
		}
		if page == MaxPages {
			c.logger.Warn("notification list truncated", "pages", MaxPages, "total", p.Total)
		}
	}

	unread := countUnread(items)
	if unread != serverUnread {
		c.logger.Warn("server unread count disagrees with list", "server", serverUnread, "list", unread)
	}

	c.mu.Lock()
	c.items = items
	c.unread = unread
	fn := c.onChange
	c.mu.Unlock()

	c.logger.Debug("notifications fetched", "count", len(items), "unread", unread)
	if fn != nil {
		fn(unread)
	}
	return nil
}

// MarkRead marks one notification read on the server, then locally.
func (c *Cache) MarkRead(ctx context.Context, id string) error {
	if err := c.backend.MarkNotificationRead(ctx, id); err != nil {
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}

	c.mu.Lock()
	changed := false
	for i := range c.items {
		if c.items[i].ID == id && !c.items[i].IsRead {
			c.items[i].IsRead = true
			c.unread--
			changed = true
			break
		}
	}
	unread, fn := c.unread, c.onChange
	c.mu.Unlock()

	if changed && fn != nil {
		fn(unread)
	}
	return nil
}

// MarkAllRead marks every notification read on the server, then locally.
func (c *Cache) MarkAllRead(ctx context.Context) error {
	if err := c.backend.MarkAllNotificationsRead(ctx); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}

	c.mu.Lock()
	for i := range c.items {
		c.items[i].IsRead = true
	}
	changed := c.unread != 0
	c.unread = 0
	fn := c.onChange
	c.mu.Unlock()

	if changed && fn != nil {
		fn(0)
	}
	return nil
}

// Clear empties the cache (logout).
func (c *Cache) Clear() {
	c.mu.Lock()
	c.items = nil
	c.unread = 0
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn(0)
	}
}

// List returns a copy of the cached notifications.
func (c *Cache) List() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Cache) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

func countUnread(items []Notification) int {
	n := 0
	for _, it := range items {
		if !it.IsRead {
			n++
		}
	}
	return n
}
