//go:generate go run go.uber.org/mock/mockgen -source=message_repository.go -destination=../mocks/mock_message_repository.go -package=mocks
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"friendfinder/internal/entity"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("not found")

const (
	messagesCollection = "messages"
	batchReloadTimeout = 5 * time.Second
)

// MessageRepository is the durable record of every message. It holds no business logic.
type MessageRepository interface {
	// Append stores a new unread message and returns it with its identifier and timestamp.
	Append(ctx context.Context, sender, receiver, content string) (entity.Message, error)
	// FindConversation returns every message between the two users, oldest first.
	FindConversation(ctx context.Context, userA, userB string) ([]entity.Message, error)
	// MarkRead flips every unread sender->receiver message and returns exactly the flipped ones.
	MarkRead(ctx context.Context, sender, receiver string) ([]entity.Message, error)
	// FindAlreadyRead returns up to limit read sender->receiver messages, newest first.
	FindAlreadyRead(ctx context.Context, sender, receiver string, limit int) ([]entity.Message, error)
}

// now is the store clock. Both stores persist millisecond precision.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

type messageRepository struct {
	db  mongo.Database
	log *zap.Logger
}

func NewMessageRepository(db mongo.Database, log *zap.Logger) MessageRepository {
	return &messageRepository{
		db:  db,
		log: log,
	}
}

// EnsureMessageIndexes creates the indexes the read-state queries rely on.
func EnsureMessageIndexes(ctx context.Context, db mongo.Database) error {
	collection := db.Collection(messagesCollection)
	_, err := collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "sender", Value: 1}, {Key: "receiver", Value: 1}, {Key: "timestamp", Value: 1}},
			Options: options.Index().SetName("pair_timestamp_idx"),
		},
		{
			Keys:    bson.D{{Key: "sender", Value: 1}, {Key: "receiver", Value: 1}, {Key: "read", Value: 1}},
			Options: options.Index().SetName("pair_read_idx"),
		},
		{
			Keys:    bson.D{{Key: "readBatch", Value: 1}},
			Options: options.Index().SetName("read_batch_idx").SetSparse(true),
		},
	})
	if err != nil {
		return fmt.Errorf("create message indexes: %w", err)
	}
	return nil
}

func (r *messageRepository) Append(ctx context.Context, sender, receiver, content string) (entity.Message, error) {
	collection := r.db.Collection(messagesCollection)
	message := entity.Message{
		Id:        uuid.New().String(),
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		Timestamp: now(),
	}

	_, err := collection.InsertOne(ctx, message)
	if err != nil {
		return entity.Message{}, fmt.Errorf("insert message %s->%s: %w", sender, receiver, err)
	}

	return message, nil
}

func (r *messageRepository) FindConversation(ctx context.Context, userA, userB string) ([]entity.Message, error) {
	filter := bson.M{
		"$or": bson.A{
			bson.M{"sender": userA, "receiver": userB},
			bson.M{"sender": userB, "receiver": userA},
		},
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})

	return r.find(ctx, filter, opts)
}

// MarkRead tags the flipped documents with a per-call batch token inside the same
// conditional update, so two racing callers never both claim a message.
func (r *messageRepository) MarkRead(ctx context.Context, sender, receiver string) ([]entity.Message, error) {
	collection := r.db.Collection(messagesCollection)
	batch := uuid.New().String()
	readAt := now()

	filter := bson.M{"sender": sender, "receiver": receiver, "read": false}
	update := bson.M{
		"$set": bson.M{
			"read":      true,
			"readAt":    readAt,
			"readBatch": batch,
		},
	}
	result, err := collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return nil, fmt.Errorf("mark read %s->%s: %w", sender, receiver, err)
	}
	if result.ModifiedCount == 0 {
		return []entity.Message{}, nil
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	updated, err := loadBatch(ctx, newBatchBackOff(), func(ctx context.Context) ([]entity.Message, error) {
		return r.find(ctx, bson.M{"readBatch": batch}, opts)
	})
	if err != nil {
		r.log.Error("read batch flipped but not reloaded, receipt waits for resync",
			zap.String("sender", sender),
			zap.String("receiver", receiver),
			zap.String("batch", batch),
			zap.Int64("flipped", result.ModifiedCount),
			zap.Error(err))
		return nil, fmt.Errorf("load read batch %s: %w", batch, err)
	}

	r.log.Debug("messages marked read",
		zap.String("sender", sender),
		zap.String("receiver", receiver),
		zap.Int("count", len(updated)))

	return updated, nil
}

func newBatchBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	return backoff.WithMaxRetries(policy, 3)
}

// loadBatch reads back the documents one MarkRead call flipped. The flip is already
// durable, so the read ignores caller cancellation and retries on its own deadline.
func loadBatch(ctx context.Context, policy backoff.BackOff, load func(context.Context) ([]entity.Message, error)) ([]entity.Message, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), batchReloadTimeout)
	defer cancel()

	var updated []entity.Message
	err := backoff.Retry(func() error {
		var err error
		updated, err = load(ctx)
		return err
	}, backoff.WithContext(policy, ctx))
	return updated, err
}

func (r *messageRepository) FindAlreadyRead(ctx context.Context, sender, receiver string, limit int) ([]entity.Message, error) {
	filter := bson.M{"sender": sender, "receiver": receiver, "read": true}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	return r.find(ctx, filter, opts)
}

func (r *messageRepository) find(ctx context.Context, filter any, opts *options.FindOptions) ([]entity.Message, error) {
	collection := r.db.Collection(messagesCollection)

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	messages := []entity.Message{}
	err = cursor.All(ctx, &messages)
	if err != nil {
		return nil, err
	}

	return messages, nil
}
