package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// AppendExchange upserts the user's conversation document and pushes the
// user/ai pair in one atomic update, so a half-pair is never persisted.
func (s *Store) AppendExchange(ctx context.Context, userID primitive.ObjectID, userContent, aiContent string) error {
	col, err := s.collection(ctx, "conversations")
	if err != nil {
		return err
	}
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	now := time.Now().UTC()
	pair := []ChatMessage{
		{Role: RoleUser, Content: userContent, CreatedAt: now},
		{Role: RoleAI, Content: aiContent, CreatedAt: now},
	}
	update := bson.M{
		"$push":        bson.M{"messages": bson.M{"$each": pair}},
		"$set":         bson.M{"updatedAt": now},
		"$setOnInsert": bson.M{"createdAt": now},
	}
	_, err = col.UpdateOne(qctx, bson.M{"user": userID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return classifyQueryErr(err)
	}
	return nil
}

// LoadHistory returns the stored transcript with timestamps stripped, or an
// empty slice when the user has no conversation yet.
func (s *Store) LoadHistory(ctx context.Context, userID primitive.ObjectID) ([]ChatMessage, error) {
	col, err := s.collection(ctx, "conversations")
	if err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var conv Conversation
	err = col.FindOne(qctx, bson.M{"user": userID}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyQueryErr(err)
	}

	out := make([]ChatMessage, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		out = append(out, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// Status reports connection diagnostics for the db-status endpoint.
type Status struct {
	Connected  bool   `json:"connected"`
	State      string `json:"state"`
	Database   string `json:"database"`
	UserCount  int64  `json:"userCount"`
	URIPreview string `json:"uriPreview"`
	Error      string `json:"error,omitempty"`
}

func (s *Store) Status(ctx context.Context) Status {
	st := Status{
		Database:   s.db,
		URIPreview: s.mgr.URIPreview(),
	}
	n, err := s.CountUsers(ctx)
	st.State = s.mgr.State()
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Connected = true
	st.UserCount = n
	return st
}
