// Package chatsinktest provides an in-memory chatsink.ChatSink fake for
// exercising the Reconciler, Notifier, and InteractionRouter without a
// live Discord connection, grounded on the teacher's fake-exchange-client
// pattern used throughout engine/*_test.go.
package chatsinktest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kizaibot/kizaibot/chatsink"
)

// ErrNotFound is returned by Edit/Delete against an unknown message ID.
var ErrNotFound = errors.New("chatsinktest: message not found")

// Fake is a ChatSink backed by in-memory maps, safe for concurrent use.
type Fake struct {
	mu       sync.Mutex
	nextID   int
	messages map[string]*chatsink.Message
	dms      map[string][]chatsink.Message
	bots     map[string]bool

	// FailSend, when set, makes SendMessage/SendDM return this error.
	FailSend error
	// FailDM, when set, makes only SendDM fail (DM-fallback tests).
	FailDM error
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{messages: make(map[string]*chatsink.Message), dms: make(map[string][]chatsink.Message), bots: make(map[string]bool)}
}

// MarkBot flags userID as a bot account for IsBotUser.
func (f *Fake) MarkBot(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bots[userID] = true
}

func (f *Fake) newID() string {
	f.nextID++
	return fmt.Sprintf("msg-%d", f.nextID)
}

// SendMessage implements chatsink.ChatSink.
func (f *Fake) SendMessage(_ context.Context, channelID, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSend != nil {
		return "", f.FailSend
	}
	id := f.newID()
	f.messages[id] = &chatsink.Message{ID: id, ChannelID: channelID, AuthorID: "bot", Content: content, IsBot: true, CreatedAt: time.Now().UTC()}
	return id, nil
}

// PostAsUser injects a message authored by a non-bot user, for tests
// exercising the Reconciler's stray-user-message deletion path.
func (f *Fake) PostAsUser(channelID, authorID, content string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.newID()
	f.messages[id] = &chatsink.Message{ID: id, ChannelID: channelID, AuthorID: authorID, Content: content, IsBot: false, CreatedAt: time.Now().UTC()}
	return id
}

// EditMessage implements chatsink.ChatSink.
func (f *Fake) EditMessage(_ context.Context, _, messageID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	m.Content = content
	return nil
}

// DeleteMessage implements chatsink.ChatSink.
func (f *Fake) DeleteMessage(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.messages[messageID]; !ok {
		return ErrNotFound
	}
	delete(f.messages, messageID)
	return nil
}

// SendDM implements chatsink.ChatSink.
func (f *Fake) SendDM(_ context.Context, userID, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailDM != nil {
		return "", f.FailDM
	}
	if f.FailSend != nil {
		return "", f.FailSend
	}
	id := f.newID()
	f.dms[userID] = append(f.dms[userID], chatsink.Message{ID: id, AuthorID: "bot", Content: content, IsBot: true, CreatedAt: time.Now().UTC()})
	return id, nil
}

// ListChannelMessages implements chatsink.ChatSink.
func (f *Fake) ListChannelMessages(_ context.Context, channelID string, since time.Time) ([]chatsink.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chatsink.Message
	for _, m := range f.messages {
		if m.ChannelID == channelID && !m.CreatedAt.Before(since) {
			out = append(out, *m)
		}
	}
	// IDs are handed out in creation order, so sorting by their sequence
	// number yields oldest first.
	sort.Slice(out, func(i, j int) bool {
		var a, b int
		_, _ = fmt.Sscanf(out[i].ID, "msg-%d", &a)
		_, _ = fmt.Sscanf(out[j].ID, "msg-%d", &b)
		return a < b
	})
	return out, nil
}

// Mention implements chatsink.ChatSink.
func (f *Fake) Mention(userID string) string { return "@" + userID }

// IsBotUser implements chatsink.ChatSink.
func (f *Fake) IsBotUser(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bots[userID]
}

// Messages returns a snapshot of every message currently tracked,
// keyed by ID, for test assertions.
func (f *Fake) Messages() map[string]chatsink.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]chatsink.Message, len(f.messages))
	for id, m := range f.messages {
		out[id] = *m
	}
	return out
}

// DMsFor returns every DM sent to userID, in send order.
func (f *Fake) DMsFor(userID string) []chatsink.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chatsink.Message(nil), f.dms[userID]...)
}

var _ chatsink.ChatSink = (*Fake)(nil)
