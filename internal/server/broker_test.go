package server

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chathub/internal/chat"
	"chathub/internal/memory"
)

func newTestBroker(t *testing.T) (*Broker, *memory.Manager) {
	t.Helper()
	cfg := memory.DefaultConfig()
	cfg.EnableAutoCleanup = false
	mem, err := memory.New(cfg, memory.WithSampler(memory.Fixed(8<<30, 10)))
	require.NoError(t, err)
	t.Cleanup(mem.Shutdown)
	return NewBroker(mem, 0, nil), mem
}

// pipeClient joins a client whose peer end is drained in the background.
func pipeClient(t *testing.T, b *Broker, id, name string) *client {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := remote.Read(buf); err != nil {
				return
			}
		}
	}()

	c := newClient(id, local, 0)
	c.rename(name)
	b.Join(context.Background(), c)
	return c
}

func TestUserListKeyIgnoresOrder(t *testing.T) {
	assert.Equal(t, userListKey([]string{"alice", "bob", "carol"}), userListKey([]string{"carol", "alice", "bob"}))
	assert.NotEqual(t, userListKey([]string{"alice"}), userListKey([]string{"alice", "bob", "bob"}))
	assert.NotEqual(t, userListKey([]string{"alice", "bob"}), userListKey([]string{"alice", "bobby"}))
}

func TestUserListIsCachedPerRoster(t *testing.T) {
	b, mem := newTestBroker(t)

	pipeClient(t, b, "c1", "zoe")
	pipeClient(t, b, "c2", "adam")

	assert.Equal(t, "adam,zoe", b.UserList())
	entries := mem.Stats().CacheEntries
	assert.Equal(t, "adam,zoe", b.UserList())
	assert.Equal(t, entries, mem.Stats().CacheEntries)

	c3 := pipeClient(t, b, "c3", "mia")
	assert.Equal(t, "adam,mia,zoe", b.UserList())
	assert.Greater(t, mem.Stats().CacheEntries, entries)

	b.Leave(context.Background(), c3)
	assert.Equal(t, "adam,zoe", b.UserList())
	assert.Equal(t, 2, b.Users())
}

func TestPublishRecordsChatHistory(t *testing.T) {
	b, mem := newTestBroker(t)
	c := pipeClient(t, b, "c1", "alice")

	b.Publish(context.Background(), chat.NewMessage(c.username(), "hi"), c.id)

	assert.Equal(t, 1, mem.History().Len())
	got := mem.History().ClientHistory("c1", 10)
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Content)
}

func TestLeaveWithoutJoinIsNoop(t *testing.T) {
	b, _ := newTestBroker(t)
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	b.Leave(context.Background(), newClient("ghost", local, 0))
	assert.Zero(t, b.Users())
}
