package mailbox

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// MemoryBox keeps messages in a map. Tests deliver with Deliver and
// observe what the bot left behind.
type MemoryBox struct {
	mu       sync.Mutex
	locked   bool
	nextKey  int
	messages map[string][]byte
}

var _ Mailbox = (*MemoryBox)(nil)

func NewMemory() *MemoryBox {
	return &MemoryBox{messages: make(map[string][]byte)}
}

// Deliver adds a message and returns its key.
func (b *MemoryBox) Deliver(raw []byte) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextKey++
	key := strconv.Itoa(b.nextKey)
	b.messages[key] = append([]byte(nil), raw...)
	return key
}

// Len reports how many messages remain.
func (b *MemoryBox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

func (b *MemoryBox) Lock(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locked = true
	return nil
}

func (b *MemoryBox) Unlock() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locked = false
	return nil
}

func (b *MemoryBox) Keys(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.locked {
		return nil, ErrNotLocked
	}
	keys := make([]string, 0, len(b.messages))
	for key := range b.messages {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBox) Message(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.locked {
		return nil, ErrNotLocked
	}
	raw, ok := b.messages[key]
	if !ok {
		return nil, fmt.Errorf("message %s not found", key)
	}
	return raw, nil
}

func (b *MemoryBox) Remove(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.locked {
		return ErrNotLocked
	}
	if _, ok := b.messages[key]; !ok {
		return fmt.Errorf("message %s not found", key)
	}
	delete(b.messages, key)
	return nil
}
