package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"friendfinder/infrastructure/events"
	"friendfinder/internal/entity"
	"friendfinder/internal/mocks"
	"friendfinder/pkg/protocol"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

func TestSend_Delivers_To_Present_Recipient_And_Confirms(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	alice := f.presence.connect("alice")
	bob := f.presence.connect("bob")

	message, err := f.uc.Send(ctx, alice, SendInput{Sender: "alice", Recipient: "bob", Content: "hi", ClientMessageId: "temp-1"})
	req.NoError(err)

	received := bob.named(protocol.EventReceiveMessage)
	req.Len(received, 1)
	req.Equal(message.Id, received[0].(protocol.Message).Id)
	req.Equal("hi", received[0].(protocol.Message).Content)

	// the origin gets a confirmation only, never its own message back
	req.Equal([]string{protocol.EventMessageSent}, alice.names())
	sent := alice.named(protocol.EventMessageSent)[0].(protocol.MessageSent)
	req.Equal(message.Id, sent.Id)
	req.Equal("temp-1", sent.ClientMessageId)
	req.False(sent.Read)
	req.Nil(sent.ReadAt)

	req.Equal([]string{events.TypeMessageSent}, f.publisher.types())
}

func TestSend_To_Offline_Recipient_Persists_Without_Error(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	alice := f.presence.connect("alice")

	message, err := f.uc.Send(ctx, alice, SendInput{Sender: "alice", Recipient: "bob", Content: "are you there?"})
	req.NoError(err)
	req.Len(alice.named(protocol.EventMessageSent), 1)
	req.Empty(alice.named(protocol.EventMessageError))

	history, err := f.store.FindConversation(ctx, "alice", "bob")
	req.NoError(err)
	req.Len(history, 1)
	req.Equal(message.Id, history[0].Id)
	req.False(history[0].Read)
}

func TestSend_Store_Failure_Reaches_Only_The_Sender(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockMessageRepository(ctrl)
	store.EXPECT().
		Append(gomock.Any(), "alice", "bob", "hi").
		Return(entity.Message{}, errors.New("disk on fire")).
		Times(1)

	presence := newFakePresence()
	alice := presence.connect("alice")
	bob := presence.connect("bob")
	publisher := &fakePublisher{}
	uc := NewMessageUseCase(store, nil, presence, zap.NewNop(), WithPublisher(publisher))

	_, err := uc.Send(context.Background(), alice, SendInput{Sender: "alice", Recipient: "bob", Content: "hi", ClientMessageId: "temp-9"})

	req.ErrorIs(err, ErrPersistence)
	req.Equal([]string{protocol.EventMessageError}, alice.names())
	req.Equal(protocol.MessageError{Error: protocol.SendFailed, ClientMessageId: "temp-9"}, alice.named(protocol.EventMessageError)[0])
	req.Empty(bob.names())
	req.Empty(publisher.types())
}

func TestMarkRead_Notifies_Sender_And_Confirms_Reader(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	alice := f.presence.connect("alice")
	bob := f.presence.connect("bob")

	first, err := f.uc.Send(ctx, alice, SendInput{Sender: "alice", Recipient: "bob", Content: "one"})
	req.NoError(err)
	second, err := f.uc.Send(ctx, alice, SendInput{Sender: "alice", Recipient: "bob", Content: "two"})
	req.NoError(err)

	count, err := f.uc.MarkRead(ctx, bob, "bob", "alice")
	req.NoError(err)
	req.Equal(2, count)

	receipts := alice.named(protocol.EventMessagesRead)
	req.Len(receipts, 1)
	receipt := receipts[0].(protocol.MessagesRead)
	req.Equal("bob", receipt.By)
	req.Equal(2, receipt.Count)
	req.False(receipt.IsResync)
	req.ElementsMatch([]string{first.Id, second.Id}, receipt.MessageIds)
	for _, m := range receipt.Messages {
		req.True(m.Read)
		req.NotNil(m.ReadAt)
	}
	req.False(receipt.ReadAt.IsZero())

	confirmations := bob.named(protocol.EventMessagesMarkedRead)
	req.Len(confirmations, 1)
	req.Equal(2, confirmations[0].(protocol.MessagesMarkedRead).Count)
}

func TestMarkRead_Twice_Is_A_Silent_NoOp(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	alice := f.presence.connect("alice")

	_, err := f.uc.Send(ctx, alice, SendInput{Sender: "alice", Recipient: "bob", Content: "hi"})
	req.NoError(err)

	count, err := f.uc.MarkReadForFriend(ctx, "bob", "alice")
	req.NoError(err)
	req.Equal(1, count)

	count, err = f.uc.MarkReadForFriend(ctx, "bob", "alice")
	req.NoError(err)
	req.Zero(count)

	req.Len(alice.named(protocol.EventMessagesRead), 1)
}

func TestMarkRead_Resyncs_A_Sender_That_Was_Offline(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	// alice sends while online, then drops before bob reads
	alice := f.presence.connect("alice")
	message, err := f.uc.Send(ctx, alice, SendInput{Sender: "alice", Recipient: "bob", Content: "hi"})
	req.NoError(err)
	f.presence.mu.Lock()
	delete(f.presence.online, "alice")
	f.presence.mu.Unlock()

	_, err = f.uc.MarkReadForFriend(ctx, "bob", "alice")
	req.NoError(err)

	// alice reconnects, bob's client re-announces the read
	alice = f.presence.connect("alice")
	bob := f.presence.connect("bob")
	count, err := f.uc.MarkRead(ctx, bob, "bob", "alice")
	req.NoError(err)
	req.Zero(count)

	receipts := alice.named(protocol.EventMessagesRead)
	req.Len(receipts, 1)
	receipt := receipts[0].(protocol.MessagesRead)
	req.True(receipt.IsResync)
	req.Equal([]string{message.Id}, receipt.MessageIds)
	req.True(receipt.Messages[0].Read)
	req.Empty(bob.named(protocol.EventMessagesMarkedRead))
}

func TestChatOpened_Scenario_Offline_Message_Then_Open(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	alice := f.presence.connect("alice")

	// bob is offline when alice sends
	_, err := f.uc.Send(ctx, alice, SendInput{Sender: "alice", Recipient: "bob", Content: "hi"})
	req.NoError(err)
	stored, err := f.store.FindConversation(ctx, "alice", "bob")
	req.NoError(err)
	req.Len(stored, 1)
	req.False(stored[0].Read)

	bob := f.presence.connect("bob")
	req.NoError(f.uc.ChatOpened(ctx, bob, "bob", "alice"))

	stored, err = f.store.FindConversation(ctx, "alice", "bob")
	req.NoError(err)
	req.True(stored[0].Read)

	receipts := alice.named(protocol.EventMessagesRead)
	req.Len(receipts, 1)
	req.Equal(1, receipts[0].(protocol.MessagesRead).Count)
	// bob never sent anything, so there is nothing to sync back
	req.Empty(bob.named(protocol.EventReadStatusSync))
}

func TestChatOpened_Syncs_Read_State_Of_Own_Messages(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	bob := f.presence.connect("bob")

	sent, err := f.uc.Send(ctx, bob, SendInput{Sender: "bob", Recipient: "alice", Content: "hello"})
	req.NoError(err)
	_, err = f.uc.MarkReadForFriend(ctx, "alice", "bob")
	req.NoError(err)

	// bob reloads and opens the chat
	bob = f.presence.connect("bob")
	alice := f.presence.connect("alice")
	req.NoError(f.uc.ChatOpened(ctx, bob, "bob", "alice"))

	syncs := bob.named(protocol.EventReadStatusSync)
	req.Len(syncs, 1)
	messages := syncs[0].(protocol.ReadStatusSync).Messages
	req.Len(messages, 1)
	req.Equal(sent.Id, messages[0].Id)
	req.True(messages[0].Read)
	// the other party is not told about the sync
	req.Empty(alice.named(protocol.EventReadStatusSync))
}

func TestMarkRead_Concurrent_Triggers_Notify_Once(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	alice := f.presence.connect("alice")
	bob := f.presence.connect("bob")

	for i := 0; i < 10; i++ {
		_, err := f.uc.Send(ctx, alice, SendInput{Sender: "alice", Recipient: "bob", Content: "ping"})
		req.NoError(err)
	}

	var wg sync.WaitGroup
	counts := make([]int, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		counts[0], errs[0] = f.uc.MarkRead(ctx, bob, "bob", "alice")
	}()
	go func() {
		defer wg.Done()
		counts[1], errs[1] = f.uc.MarkReadForFriend(ctx, "bob", "alice")
	}()
	wg.Wait()

	req.NoError(errs[0])
	req.NoError(errs[1])
	req.Equal(10, counts[0]+counts[1])
	req.True(counts[0] == 0 || counts[1] == 0)

	live := lo.Filter(alice.named(protocol.EventMessagesRead), func(p any, _ int) bool {
		return !p.(protocol.MessagesRead).IsResync
	})
	req.Len(live, 1)
	req.Equal(10, live[0].(protocol.MessagesRead).Count)
}

func TestMarkRead_Store_Failure_Reaches_Only_The_Reader(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockMessageRepository(ctrl)
	store.EXPECT().MarkRead(gomock.Any(), "alice", "bob").Return(nil, errors.New("timeout"))
	store.EXPECT().FindAlreadyRead(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	presence := newFakePresence()
	alice := presence.connect("alice")
	bob := presence.connect("bob")
	uc := NewMessageUseCase(store, nil, presence, zap.NewNop())

	err := uc.ChatOpened(context.Background(), bob, "bob", "alice")

	req.ErrorIs(err, ErrPersistence)
	req.Equal([]string{protocol.EventMessageError}, bob.names())
	req.Empty(alice.names())
}

func TestHistory_Requires_Friendship(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockMessageRepository(ctrl)
	store.EXPECT().MarkRead(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	store.EXPECT().FindConversation(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	users := mocks.NewMockUserRepository(ctrl)
	users.EXPECT().AreFriends(gomock.Any(), "mallory", "alice").Return(false, nil)

	uc := NewMessageUseCase(store, NewUserUseCase(users, nil, zap.NewNop()), newFakePresence(), zap.NewNop())

	_, err := uc.History(context.Background(), "mallory", "alice")
	req.ErrorIs(err, ErrNotAuthorized)
}

func TestHistory_Marks_Then_Returns_Ordered_Conversation(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	alice := f.presence.connect("alice")
	bob := f.presence.connect("bob")

	_, err := f.uc.Send(ctx, alice, SendInput{Sender: "alice", Recipient: "bob", Content: "one"})
	req.NoError(err)
	_, err = f.uc.Send(ctx, bob, SendInput{Sender: "bob", Recipient: "alice", Content: "two"})
	req.NoError(err)

	history, err := f.uc.History(ctx, "bob", "alice")
	req.NoError(err)
	req.Len(history, 2)
	for i := 1; i < len(history); i++ {
		req.False(history[i].Timestamp.Before(history[i-1].Timestamp))
	}
	for _, m := range history {
		// only alice->bob flips when bob fetches
		req.Equal(m.Sender == "alice", m.Read)
	}
	req.Len(alice.named(protocol.EventMessagesRead), 1)
	// REST has no origin channel to confirm to
	req.Empty(bob.named(protocol.EventMessagesMarkedRead))

	plain, err := f.uc.Conversation(ctx, "alice", "bob")
	req.NoError(err)
	req.Len(plain, 2)
}

func TestTyping_Forwards_Without_Dedupe(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	bob := f.presence.connect("bob")

	f.uc.Typing("alice", "bob")
	f.uc.Typing("alice", "bob")
	f.uc.Typing("alice", "carol")

	typing := bob.named(protocol.EventUserTyping)
	req.Len(typing, 2)
	req.Equal("alice", typing[0].(protocol.UserTyping).Sender)
}
