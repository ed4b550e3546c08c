package usecase

import (
	"context"
	"errors"
	"fmt"

	"friendfinder/infrastructure/cache"
	"friendfinder/internal/repository"

	"go.uber.org/zap"
)

var ErrNotAuthorized = errors.New("not authorized to access this conversation")

type UserUsecase interface {
	// Authorize returns ErrNotAuthorized unless userId and friendId are friends.
	Authorize(ctx context.Context, userId, friendId string) error
	// WarmFriends loads userId's friend list into the friendship cache.
	WarmFriends(ctx context.Context, userId string) error
}

type userUsecase struct {
	userRepo repository.UserRepository
	friends  *cache.MemCache[bool]
	log      *zap.Logger
}

func NewUserUseCase(userRepo repository.UserRepository, friends *cache.MemCache[bool], log *zap.Logger) UserUsecase {
	return &userUsecase{
		userRepo: userRepo,
		friends:  friends,
		log:      log,
	}
}

func (u *userUsecase) Authorize(ctx context.Context, userId, friendId string) error {
	if userId == "" || friendId == "" || userId == friendId {
		return ErrNotAuthorized
	}

	key := userId + "|" + friendId
	if u.friends != nil {
		if ok, found := u.friends.Get(key); found {
			if !ok {
				return ErrNotAuthorized
			}
			return nil
		}
	}

	ok, err := u.userRepo.AreFriends(ctx, userId, friendId)
	if errors.Is(err, repository.ErrNotFound) {
		ok, err = false, nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if u.friends != nil {
		u.friends.Set(key, ok)
	}
	if !ok {
		u.log.Debug("friendship check failed", zap.String("userId", userId), zap.String("friendId", friendId))
		return ErrNotAuthorized
	}
	return nil
}

func (u *userUsecase) WarmFriends(ctx context.Context, userId string) error {
	if u.friends == nil {
		return nil
	}

	user, err := u.userRepo.Get(ctx, userId)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	for _, friendId := range user.Friends {
		u.friends.Set(userId+"|"+friendId, true)
		u.friends.Set(friendId+"|"+userId, true)
	}
	u.log.Debug("friendship cache warmed", zap.String("userId", userId), zap.Int("friends", len(user.Friends)))
	return nil
}
