package repository

import (
	"context"
	"errors"
	"fmt"

	"friendfinder/internal/entity"

	"github.com/dgraph-io/badger/v4"
)

// friendKey is "friend:{userId}:{friendId}". Friendship is stored in both directions.
func friendKey(userId, friendId string) []byte {
	return []byte(fmt.Sprintf("friend:%s:%s", keyEscaper.Replace(userId), keyEscaper.Replace(friendId)))
}

func friendPrefix(userId string) []byte {
	return []byte(fmt.Sprintf("friend:%s:", keyEscaper.Replace(userId)))
}

type BadgerUserRepository struct {
	db *badger.DB
}

func NewBadgerUserRepository(db *badger.DB) *BadgerUserRepository {
	return &BadgerUserRepository{
		db: db,
	}
}

// AddFriendship records a mutual friendship. The friend-request workflow lives elsewhere;
// this is how it lands in a single-node store.
func (r *BadgerUserRepository) AddFriendship(ctx context.Context, userId, friendId string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(friendKey(userId, friendId), []byte(friendId)); err != nil {
			return err
		}
		return txn.Set(friendKey(friendId, userId), []byte(userId))
	})
	if err != nil {
		return fmt.Errorf("add friendship %s/%s: %w", userId, friendId, err)
	}
	return nil
}

func (r *BadgerUserRepository) Get(ctx context.Context, userId string) (entity.User, error) {
	if err := ctx.Err(); err != nil {
		return entity.User{}, err
	}

	user := entity.User{Id: userId}
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := friendPrefix(userId)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			user.Friends = append(user.Friends, string(value))
		}
		return nil
	})
	if err != nil {
		return entity.User{}, fmt.Errorf("get user %s: %w", userId, err)
	}
	if len(user.Friends) == 0 {
		return entity.User{}, fmt.Errorf("user %s: %w", userId, ErrNotFound)
	}

	return user, nil
}

func (r *BadgerUserRepository) AreFriends(ctx context.Context, userId, friendId string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	err := r.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(friendKey(userId, friendId))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check friendship %s/%s: %w", userId, friendId, err)
	}
	return true, nil
}
