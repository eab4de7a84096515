package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"chathub/internal/chat"
	"chathub/internal/logging"
	"chathub/internal/memory"
)

// client is one joined connection.
type client struct {
	id           string
	conn         net.Conn
	writeTimeout time.Duration

	mu   sync.Mutex // serializes writes
	w    *bufio.Writer
	name string
}

func newClient(id string, conn net.Conn, writeTimeout time.Duration) *client {
	return &client{id: id, conn: conn, writeTimeout: writeTimeout, w: bufio.NewWriter(conn)}
}

// send writes lines and flushes. A failed write closes the connection so the
// reading side of the handler ends.
func (c *client) send(lines ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	for _, line := range lines {
		if _, err := c.w.WriteString(line + "\n"); err != nil {
			c.conn.Close()
			return err
		}
	}
	if err := c.w.Flush(); err != nil {
		c.conn.Close()
		return err
	}
	return nil
}

func (c *client) username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *client) rename(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.name
	c.name = name
	return old
}

// Broker fans messages out to joined clients and records chat messages in
// the memory manager's history store.
type Broker struct {
	memory        *memory.Manager
	logger        *logging.Logger
	historyOnJoin int

	mu      sync.RWMutex
	clients map[string]*client
}

// NewBroker creates a broker backed by mem.
func NewBroker(mem *memory.Manager, historyOnJoin int, logger *logging.Logger) *Broker {
	return &Broker{
		memory:        mem,
		logger:        logger,
		historyOnJoin: historyOnJoin,
		clients:       make(map[string]*client),
	}
}

// Join greets c with recent history, registers it and announces it.
func (b *Broker) Join(ctx context.Context, c *client) {
	greeting := []string{chat.NewServerMessage("Welcome! Here are the recent messages:").Format()}
	if b.historyOnJoin > 0 {
		for _, m := range b.memory.History().RecentMessages(b.historyOnJoin) {
			greeting = append(greeting, m.Format())
		}
	}
	_ = c.send(greeting...)

	b.mu.Lock()
	b.clients[c.id] = c
	count := len(b.clients)
	b.mu.Unlock()

	name := c.username()
	b.logger.Info(ctx, logging.ComponentBroker, logging.ActionJoin, "User joined", map[string]interface{}{
		"username":      name,
		"connection_id": c.id,
		"users":         count,
	})
	b.broadcast(ctx, chat.NewServerMessage(name+" has joined the chat.").Format(), c.id)
	b.broadcastUserList(ctx)
}

// Leave unregisters c and announces the departure. It is a no-op for a
// client that never joined.
func (b *Broker) Leave(ctx context.Context, c *client) {
	b.mu.Lock()
	_, ok := b.clients[c.id]
	delete(b.clients, c.id)
	count := len(b.clients)
	b.mu.Unlock()
	if !ok {
		return
	}

	name := c.username()
	b.logger.Info(ctx, logging.ComponentBroker, logging.ActionLeave, "User left", map[string]interface{}{
		"username":      name,
		"connection_id": c.id,
		"users":         count,
	})
	b.broadcast(ctx, chat.NewServerMessage(name+" has left the chat.").Format(), "")
	b.broadcastUserList(ctx)
}

// Rename changes c's username and announces it.
func (b *Broker) Rename(ctx context.Context, c *client, name string) {
	old := c.rename(name)
	if old == name {
		return
	}
	b.broadcast(ctx, chat.NewServerMessage(fmt.Sprintf("%s is now known as %s.", old, name)).Format(), "")
	b.broadcastUserList(ctx)
}

// Publish records msg in history against the sending connection and
// delivers it to every other client.
func (b *Broker) Publish(ctx context.Context, msg *chat.Message, from string) {
	b.memory.History().AddMessage(msg, from)
	b.broadcast(ctx, msg.Format(), from)
}

func (b *Broker) broadcast(ctx context.Context, line, except string) {
	b.mu.RLock()
	recipients := make([]*client, 0, len(b.clients))
	for id, c := range b.clients {
		if id != except {
			recipients = append(recipients, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range recipients {
		if err := c.send(line); err != nil {
			b.logger.Debug(ctx, logging.ComponentBroker, logging.ActionBroadcast, "Dropped message for unreachable client", map[string]interface{}{
				"connection_id": c.id,
				"error":         err.Error(),
			})
		}
	}
}

func (b *Broker) broadcastUserList(ctx context.Context) {
	msg := &chat.Message{Type: chat.TypeUserList, Content: b.UserList(), Timestamp: time.Now()}
	b.broadcast(ctx, msg.Format(), "")
}

// UserList renders the sorted, comma separated usernames. Renderings are
// cached by a fingerprint of the membership so unchanged rosters are not
// sorted again.
func (b *Broker) UserList() string {
	b.mu.RLock()
	names := make([]string, 0, len(b.clients))
	for _, c := range b.clients {
		names = append(names, c.username())
	}
	b.mu.RUnlock()

	key := userListKey(names)
	if v, ok := b.memory.GetFromCache(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}

	slices.Sort(names)
	rendered := strings.Join(names, ",")
	b.memory.AddToCache(key, rendered)
	return rendered
}

// userListKey is independent of name order. Summing keeps duplicate names
// from cancelling out.
func userListKey(names []string) string {
	var sum uint64
	for _, n := range names {
		sum += xxhash.Sum64String(n)
	}
	return fmt.Sprintf("ulist:%d:%016x", len(names), sum)
}

// Users is the number of joined clients.
func (b *Broker) Users() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
