package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"friendfinder/internal/entity"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// maxConflictRetries bounds MarkRead retries when a concurrent transaction wins.
const maxConflictRetries = 10

var keyEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

type badgerMessageRepository struct {
	db  *badger.DB
	log *zap.Logger
}

func NewBadgerMessageRepository(db *badger.DB, log *zap.Logger) MessageRepository {
	return &badgerMessageRepository{
		db:  db,
		log: log,
	}
}

// pairPrefix is "msg:{sender}:{receiver}:". Identities are escaped so a ':' inside
// an id can never widen the prefix to another pair.
func pairPrefix(sender, receiver string) []byte {
	return []byte(fmt.Sprintf("msg:%s:%s:", keyEscaper.Replace(sender), keyEscaper.Replace(receiver)))
}

// messageKey is "msg:{sender}:{receiver}:{unix nano padded}:{id}". The 19-digit padding
// keeps lexicographic order equal to chronological order within a pair.
func messageKey(message entity.Message) []byte {
	return append(pairPrefix(message.Sender, message.Receiver),
		fmt.Sprintf("%019d:%s", message.Timestamp.UnixNano(), message.Id)...)
}

func (r *badgerMessageRepository) Append(ctx context.Context, sender, receiver, content string) (entity.Message, error) {
	if err := ctx.Err(); err != nil {
		return entity.Message{}, err
	}

	message := entity.Message{
		Id:        uuid.New().String(),
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		Timestamp: now(),
	}
	value, err := bson.Marshal(message)
	if err != nil {
		return entity.Message{}, fmt.Errorf("encode message: %w", err)
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(message), value)
	})
	if err != nil {
		return entity.Message{}, fmt.Errorf("store message %s->%s: %w", sender, receiver, err)
	}

	return message, nil
}

func (r *badgerMessageRepository) FindConversation(ctx context.Context, userA, userB string) ([]entity.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := []entity.Message{}
	err := r.db.View(func(txn *badger.Txn) error {
		for _, prefix := range [][]byte{pairPrefix(userA, userB), pairPrefix(userB, userA)} {
			found, err := scanPrefix(txn, prefix, func(entity.Message) bool { return true })
			if err != nil {
				return err
			}
			messages = append(messages, found...)
			if userA == userB {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find conversation %s/%s: %w", userA, userB, err)
	}

	slices.SortStableFunc(messages, func(a, b entity.Message) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.Id, b.Id)
	})
	return messages, nil
}

// MarkRead flips the unread rows in a single read-write transaction. Badger detects a
// concurrent transaction that already flipped the same keys and fails the commit with
// ErrConflict; the retry then sees those rows as read and leaves them alone.
func (r *badgerMessageRepository) MarkRead(ctx context.Context, sender, receiver string) ([]entity.Message, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		updated, err := r.markRead(sender, receiver)
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			r.log.Debug("mark read conflict, retrying",
				zap.String("sender", sender),
				zap.String("receiver", receiver),
				zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("mark read %s->%s: %w", sender, receiver, err)
		}
		return updated, nil
	}
}

func (r *badgerMessageRepository) markRead(sender, receiver string) ([]entity.Message, error) {
	updated := []entity.Message{}
	readAt := now()

	err := r.db.Update(func(txn *badger.Txn) error {
		unread, err := scanPrefix(txn, pairPrefix(sender, receiver), func(m entity.Message) bool { return !m.Read })
		if err != nil {
			return err
		}

		for _, message := range unread {
			message.MarkAsRead(readAt)
			value, err := bson.Marshal(message)
			if err != nil {
				return err
			}
			if err := txn.Set(messageKey(message), value); err != nil {
				return err
			}
			updated = append(updated, message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (r *badgerMessageRepository) FindAlreadyRead(ctx context.Context, sender, receiver string, limit int) ([]entity.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := []entity.Message{}
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := pairPrefix(sender, receiver)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// 0xFF sorts after every digit, so the seek lands on the newest key of the pair.
		for it.Seek(append(slices.Clone(prefix), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(messages) == limit {
				break
			}
			message, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			if message.Read {
				messages = append(messages, message)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find read messages %s->%s: %w", sender, receiver, err)
	}

	return messages, nil
}

func scanPrefix(txn *badger.Txn, prefix []byte, keep func(entity.Message) bool) ([]entity.Message, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var messages []entity.Message
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		message, err := decodeItem(it.Item())
		if err != nil {
			return nil, err
		}
		if keep(message) {
			messages = append(messages, message)
		}
	}
	return messages, nil
}

func decodeItem(item *badger.Item) (entity.Message, error) {
	var message entity.Message
	err := item.Value(func(value []byte) error {
		return bson.Unmarshal(value, &message)
	})
	if err != nil {
		return entity.Message{}, fmt.Errorf("decode %q: %w", item.Key(), err)
	}
	return message, nil
}
