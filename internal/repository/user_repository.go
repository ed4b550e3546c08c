//go:generate go run go.uber.org/mock/mockgen -source=user_repository.go -destination=../mocks/mock_user_repository.go -package=mocks
package repository

import (
	"context"
	"errors"
	"fmt"

	"friendfinder/internal/entity"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

const usersCollection = "users"

// UserRepository reads the friend graph owned by the profile service.
type UserRepository interface {
	Get(ctx context.Context, userId string) (entity.User, error)
	AreFriends(ctx context.Context, userId, friendId string) (bool, error)
}

type userRepository struct {
	db mongo.Database
}

func NewUserRepository(db mongo.Database) UserRepository {
	return &userRepository{
		db: db,
	}
}

// idFilter matches a user id stored either as a plain string or as an ObjectID.
func idFilter(userId string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(userId); err == nil {
		return bson.M{"_id": bson.M{"$in": bson.A{userId, oid}}}
	}
	return bson.M{"_id": userId}
}

func (r *userRepository) Get(ctx context.Context, userId string) (entity.User, error) {
	collection := r.db.Collection(usersCollection)

	var raw bson.M
	err := collection.FindOne(ctx, idFilter(userId)).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return entity.User{}, fmt.Errorf("user %s: %w", userId, ErrNotFound)
	}
	if err != nil {
		return entity.User{}, fmt.Errorf("get user %s: %w", userId, err)
	}

	user := entity.User{Id: userId}
	if username, ok := raw["username"].(string); ok {
		user.Username = username
	}
	if friends, ok := raw["friends"].(bson.A); ok {
		for _, f := range friends {
			switch v := f.(type) {
			case string:
				user.Friends = append(user.Friends, v)
			case primitive.ObjectID:
				user.Friends = append(user.Friends, v.Hex())
			}
		}
	}

	return user, nil
}

func (r *userRepository) AreFriends(ctx context.Context, userId, friendId string) (bool, error) {
	collection := r.db.Collection(usersCollection)

	friends := bson.A{friendId}
	if oid, err := primitive.ObjectIDFromHex(friendId); err == nil {
		friends = append(friends, oid)
	}
	filter := idFilter(userId)
	filter["friends"] = bson.M{"$in": friends}

	count, err := collection.CountDocuments(ctx, filter)
	if err != nil {
		return false, fmt.Errorf("check friendship %s/%s: %w", userId, friendId, err)
	}

	return count > 0, nil
}
