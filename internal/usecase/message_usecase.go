package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"friendfinder/infrastructure/events"
	"friendfinder/internal/entity"
	"friendfinder/internal/repository"
	"friendfinder/pkg/protocol"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

var ErrPersistence = errors.New("message store unavailable")

const (
	DefaultResyncLimit   = 20
	DefaultReadSyncLimit = 100
)

// Channel is the connection an event arrived on.
type Channel interface {
	Send(event string, payload any) bool
}

// Notifier reaches a user by identity wherever they are connected.
type Notifier interface {
	SendToUser(userId, event string, payload any) bool
}

type SendInput struct {
	Sender          string
	Recipient       string
	Content         string
	ClientMessageId string
}

type MessageUsecase interface {
	// Send persists a message, delivers it to the recipient if present and confirms it
	// to origin. On a store failure only origin hears about it.
	Send(ctx context.Context, origin Channel, in SendInput) (entity.Message, error)
	// MarkRead flips other->reader unread messages and notifies other. origin may be nil,
	// in which case nothing is echoed back and no resync is attempted.
	MarkRead(ctx context.Context, origin Channel, reader, other string) (int, error)
	// ChatOpened runs MarkRead and sends origin the read state of its own sent messages.
	ChatOpened(ctx context.Context, origin Channel, reader, other string) error
	Typing(sender, recipient string)

	History(ctx context.Context, userId, friendId string) ([]entity.Message, error)
	Conversation(ctx context.Context, userId, friendId string) ([]entity.Message, error)
	MarkReadForFriend(ctx context.Context, userId, friendId string) (int, error)
}

type messageUsecase struct {
	messageRepo   repository.MessageRepository
	userUc        UserUsecase
	notifier      Notifier
	publisher     events.Publisher
	resyncLimit   int
	readSyncLimit int
	log           *zap.Logger
}

type MessageUsecaseOption func(*messageUsecase)

func WithResyncLimit(limit int) MessageUsecaseOption {
	return func(m *messageUsecase) {
		if limit > 0 {
			m.resyncLimit = limit
		}
	}
}

func WithReadSyncLimit(limit int) MessageUsecaseOption {
	return func(m *messageUsecase) {
		if limit > 0 {
			m.readSyncLimit = limit
		}
	}
}

func WithPublisher(publisher events.Publisher) MessageUsecaseOption {
	return func(m *messageUsecase) {
		if publisher != nil {
			m.publisher = publisher
		}
	}
}

func NewMessageUseCase(
	messageRepo repository.MessageRepository,
	userUc UserUsecase,
	notifier Notifier,
	log *zap.Logger,
	opts ...MessageUsecaseOption,
) MessageUsecase {
	m := &messageUsecase{
		messageRepo:   messageRepo,
		userUc:        userUc,
		notifier:      notifier,
		publisher:     events.Noop{},
		resyncLimit:   DefaultResyncLimit,
		readSyncLimit: DefaultReadSyncLimit,
		log:           log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *messageUsecase) Send(ctx context.Context, origin Channel, in SendInput) (entity.Message, error) {
	message, err := m.messageRepo.Append(ctx, in.Sender, in.Recipient, in.Content)
	if err != nil {
		m.log.Error("persist message",
			zap.String("sender", in.Sender),
			zap.String("recipient", in.Recipient),
			zap.Error(err))
		reply(origin, protocol.EventMessageError, protocol.MessageError{
			Error:           protocol.SendFailed,
			ClientMessageId: in.ClientMessageId,
		})
		return entity.Message{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if !m.notifier.SendToUser(message.Receiver, protocol.EventReceiveMessage, ToProtocolMessage(message)) {
		m.log.Debug("recipient offline, message stored",
			zap.String("messageId", message.Id),
			zap.String("recipient", message.Receiver))
	}

	reply(origin, protocol.EventMessageSent, protocol.MessageSent{
		Id:              message.Id,
		ClientMessageId: in.ClientMessageId,
		Timestamp:       message.Timestamp,
		Read:            message.Read,
		ReadAt:          message.ReadAt,
	})

	m.publish(ctx, events.TypeMessageSent, message.Sender, message.Receiver, ToProtocolMessage(message))
	return message, nil
}

func (m *messageUsecase) MarkRead(ctx context.Context, origin Channel, reader, other string) (int, error) {
	updated, err := m.messageRepo.MarkRead(ctx, other, reader)
	if err != nil {
		m.log.Error("mark messages read",
			zap.String("reader", reader),
			zap.String("sender", other),
			zap.Error(err))
		reply(origin, protocol.EventMessageError, protocol.MessageError{Error: "failed to mark messages as read"})
		return 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if len(updated) == 0 {
		// Only a live reader connection asks for a resync; REST calls stay silent.
		if origin != nil {
			m.resync(ctx, reader, other)
		}
		return 0, nil
	}

	ids := messageIds(updated)
	receipt := protocol.MessagesRead{
		By:         reader,
		Count:      len(updated),
		ReadAt:     readAtOf(updated),
		MessageIds: ids,
		Messages:   ToProtocolMessages(updated),
	}
	m.notifier.SendToUser(other, protocol.EventMessagesRead, receipt)
	reply(origin, protocol.EventMessagesMarkedRead, protocol.MessagesMarkedRead{
		Count:      len(updated),
		MessageIds: ids,
	})

	m.publish(ctx, events.TypeMessagesRead, other, reader, receipt)
	return len(updated), nil
}

// resync re-announces already read other->reader messages so a sender that missed the
// original receipt while offline can catch up.
func (m *messageUsecase) resync(ctx context.Context, reader, other string) {
	already, err := m.messageRepo.FindAlreadyRead(ctx, other, reader, m.resyncLimit)
	if err != nil {
		m.log.Warn("resync lookup failed", zap.String("reader", reader), zap.String("sender", other), zap.Error(err))
		return
	}
	if len(already) == 0 {
		return
	}

	m.notifier.SendToUser(other, protocol.EventMessagesRead, protocol.MessagesRead{
		By:         reader,
		Count:      len(already),
		ReadAt:     readAtOf(already),
		MessageIds: messageIds(already),
		Messages:   ToProtocolMessages(already),
		IsResync:   true,
	})
}

func (m *messageUsecase) ChatOpened(ctx context.Context, origin Channel, reader, other string) error {
	if _, err := m.MarkRead(ctx, origin, reader, other); err != nil {
		return err
	}

	sent, err := m.messageRepo.FindAlreadyRead(ctx, reader, other, m.readSyncLimit)
	if err != nil {
		m.log.Error("read status sync",
			zap.String("reader", reader),
			zap.String("other", other),
			zap.Error(err))
		reply(origin, protocol.EventMessageError, protocol.MessageError{Error: "failed to sync read status"})
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if len(sent) > 0 {
		reply(origin, protocol.EventReadStatusSync, protocol.ReadStatusSync{Messages: ToProtocolMessages(sent)})
	}
	return nil
}

func (m *messageUsecase) Typing(sender, recipient string) {
	m.notifier.SendToUser(recipient, protocol.EventUserTyping, protocol.UserTyping{Sender: sender})
}

// History marks friend->user messages read, then returns the whole conversation so the
// caller sees the state it just produced.
func (m *messageUsecase) History(ctx context.Context, userId, friendId string) ([]entity.Message, error) {
	if err := m.userUc.Authorize(ctx, userId, friendId); err != nil {
		return nil, err
	}
	if _, err := m.MarkRead(ctx, nil, userId, friendId); err != nil {
		return nil, err
	}
	return m.findConversation(ctx, userId, friendId)
}

// Conversation returns the conversation without touching read state.
func (m *messageUsecase) Conversation(ctx context.Context, userId, friendId string) ([]entity.Message, error) {
	if err := m.userUc.Authorize(ctx, userId, friendId); err != nil {
		return nil, err
	}
	return m.findConversation(ctx, userId, friendId)
}

func (m *messageUsecase) MarkReadForFriend(ctx context.Context, userId, friendId string) (int, error) {
	if err := m.userUc.Authorize(ctx, userId, friendId); err != nil {
		return 0, err
	}
	return m.MarkRead(ctx, nil, userId, friendId)
}

func (m *messageUsecase) findConversation(ctx context.Context, userId, friendId string) ([]entity.Message, error) {
	messages, err := m.messageRepo.FindConversation(ctx, userId, friendId)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return messages, nil
}

func (m *messageUsecase) publish(ctx context.Context, eventType, sender, receiver string, payload any) {
	err := m.publisher.Publish(ctx, events.Event{
		Type:       eventType,
		Key:        protocol.ConversationID(sender, receiver),
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		m.log.Warn("publish domain event", zap.String("type", eventType), zap.Error(err))
	}
}

// reply is a no-op for REST callers, which have no origin channel.
func reply(origin Channel, event string, payload any) {
	if origin != nil {
		origin.Send(event, payload)
	}
}

func messageIds(messages []entity.Message) []string {
	return lo.Map(messages, func(m entity.Message, _ int) string { return m.Id })
}

// readAtOf takes the read time of the first message, falling back to now.
func readAtOf(messages []entity.Message) time.Time {
	if len(messages) > 0 && messages[0].ReadAt != nil {
		return *messages[0].ReadAt
	}
	return time.Now().UTC()
}

func ToProtocolMessage(m entity.Message) protocol.Message {
	return protocol.Message{
		Id:        m.Id,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Read:      m.Read,
		ReadAt:    m.ReadAt,
	}
}

func ToProtocolMessages(messages []entity.Message) []protocol.Message {
	return lo.Map(messages, func(m entity.Message, _ int) protocol.Message { return ToProtocolMessage(m) })
}
