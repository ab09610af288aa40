package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/lovable-ai/lovable-chat/internal/metrics"
	"github.com/lovable-ai/lovable-chat/internal/store"
)

type ResponseGenerator interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

type ConversationStore interface {
	AppendExchange(ctx context.Context, userID primitive.ObjectID, userContent, aiContent string) error
	LoadHistory(ctx context.Context, userID primitive.ObjectID) ([]store.ChatMessage, error)
}

// ChatService orchestrates a chat request: generate the reply, then persist
// the exchange best-effort for identified users. A persistence failure must
// never cost the user a generated answer.
type ChatService struct {
	gateway        ResponseGenerator
	convs          ConversationStore
	persistTimeout time.Duration
	wg             sync.WaitGroup
}

func NewChatService(gateway ResponseGenerator, convs ConversationStore) *ChatService {
	return &ChatService{
		gateway:        gateway,
		convs:          convs,
		persistTimeout: 5 * time.Second,
	}
}

// Respond generates the AI reply and, when userID identifies a user,
// appends the exchange in the background. The append order (user message
// then AI message) is fixed; ordering between concurrent requests is not.
func (s *ChatService) Respond(ctx context.Context, userID string, messages []Message) (string, error) {
	reply, err := s.gateway.Generate(ctx, messages)
	if err != nil {
		return "", err
	}

	if userID != "" {
		oid, err := primitive.ObjectIDFromHex(userID)
		if err != nil {
			log.Warn().Str("user_id", userID).Msg("malformed user id in token, skipping persistence")
			return reply, nil
		}
		userContent := messages[len(messages)-1].Content
		s.wg.Add(1)
		go s.persistExchange(oid, userContent, reply)
	}
	return reply, nil
}

func (s *ChatService) persistExchange(userID primitive.ObjectID, userContent, reply string) {
	defer s.wg.Done()
	// Detached from the request context: a client disconnect must not
	// abort an append that is already due.
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()

	if err := s.convs.AppendExchange(ctx, userID, userContent, reply); err != nil {
		metrics.PersistFailures.Inc()
		log.Warn().Err(err).Str("user_id", userID.Hex()).Msg("best-effort conversation persistence failed")
		return
	}
	log.Debug().Str("user_id", userID.Hex()).Msg("conversation exchange persisted")
}

// History loads the stored transcript. Every failure mode degrades to an
// empty history so the chat UI always loads.
func (s *ChatService) History(ctx context.Context, userID string) []store.ChatMessage {
	oid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return nil
	}
	msgs, err := s.convs.LoadHistory(ctx, oid)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("history load failed, returning empty history")
		return nil
	}
	return msgs
}

// Drain blocks until in-flight background appends finish. Called during
// graceful shutdown.
func (s *ChatService) Drain() {
	s.wg.Wait()
}
