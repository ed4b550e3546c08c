package usecase

import (
	"context"
	"sync"
	"testing"

	"friendfinder/infrastructure/events"
	"friendfinder/internal/repository"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sentEvent struct {
	event   string
	payload any
}

// fakeChannel records every event pushed to one connection.
type fakeChannel struct {
	mu     sync.Mutex
	events []sentEvent
}

func (f *fakeChannel) Send(event string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{event: event, payload: payload})
	return true
}

func (f *fakeChannel) named(event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.events {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func (f *fakeChannel) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.event)
	}
	return out
}

// fakePresence delivers to the channels of online users only.
type fakePresence struct {
	mu     sync.Mutex
	online map[string]*fakeChannel
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: make(map[string]*fakeChannel)}
}

func (p *fakePresence) connect(userId string) *fakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := &fakeChannel{}
	p.online[userId] = ch
	return ch
}

func (p *fakePresence) SendToUser(userId, event string, payload any) bool {
	p.mu.Lock()
	ch, ok := p.online[userId]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return ch.Send(event, payload)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakePublisher) Publish(_ context.Context, event events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	store     repository.MessageRepository
	friends   *repository.BadgerUserRepository
	presence  *fakePresence
	publisher *fakePublisher
	uc        MessageUsecase
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		store:     repository.NewBadgerMessageRepository(db, zap.NewNop()),
		friends:   repository.NewBadgerUserRepository(db),
		presence:  newFakePresence(),
		publisher: &fakePublisher{},
	}
	require.NoError(t, f.friends.AddFriendship(context.Background(), "alice", "bob"))

	userUc := NewUserUseCase(f.friends, nil, zap.NewNop())
	f.uc = NewMessageUseCase(f.store, userUc, f.presence, zap.NewNop(), WithPublisher(f.publisher))
	return f
}
