package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lovable-ai/lovable-chat/internal/apperr"
)

// Store exposes the user and conversation collections through the shared
// connection manager.
type Store struct {
	mgr *Manager
	db  string
}

func NewStore(mgr *Manager, db string) *Store {
	return &Store{mgr: mgr, db: db}
}

func (s *Store) collection(ctx context.Context, name string) (*mongo.Collection, error) {
	client, err := s.mgr.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return client.Database(s.db).Collection(name), nil
}

// EnsureIndexes creates the uniqueness constraints the write paths rely on:
// one account per email, one conversation document per user. The duplicate
// registration race resolves here, not in application code.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	users, err := s.collection(ctx, "users")
	if err != nil {
		return err
	}
	_, err = users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return classifyQueryErr(err)
	}

	convs, err := s.collection(ctx, "conversations")
	if err != nil {
		return err
	}
	_, err = convs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return classifyQueryErr(err)
	}
	return nil
}

// FindUserByEmail returns (nil, nil) when no user matches.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	col, err := s.collection(ctx, "users")
	if err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var user User
	err = col.FindOne(qctx, bson.M{"email": email}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyQueryErr(err)
	}
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, email, passwordHash, name string) (*User, error) {
	col, err := s.collection(ctx, "users")
	if err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	user := User{
		Email:     email,
		Password:  passwordHash,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	res, err := col.InsertOne(qctx, user)
	if err != nil {
		return nil, classifyWriteErr(err)
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		user.ID = oid
	}
	return &user, nil
}

func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	col, err := s.collection(ctx, "users")
	if err != nil {
		return 0, err
	}
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	n, err := col.CountDocuments(qctx, bson.M{})
	if err != nil {
		return 0, classifyQueryErr(err)
	}
	return n, nil
}

// classifyWriteErr maps a losing concurrent insert (unique index violation)
// to the same CONFLICT a plain duplicate registration gets.
func classifyWriteErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return apperr.Conflict("user with this email already exists")
	}
	return classifyQueryErr(err)
}

func classifyQueryErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err) {
		return apperr.Connection("database is taking too long to respond, please try again in a moment (timeout)", err)
	}
	return apperr.Connection("database query failed, please try again", err)
}
