package store

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/lovable-ai/lovable-chat/internal/apperr"
	"github.com/lovable-ai/lovable-chat/internal/metrics"
)

// Connection lifecycle states. A failed attempt always lands back in
// disconnected with the in-flight slot cleared, so one rejected connect
// cannot poison every call after it.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

const (
	triggerConnect   = "connect"
	triggerConnected = "connected"
	triggerFailed    = "failed"
	triggerLost      = "lost"
)

const (
	connectTimeout         = 10 * time.Second
	serverSelectionTimeout = 5 * time.Second
	socketTimeout          = 45 * time.Second
	pingTimeout            = 2 * time.Second
	queryTimeout           = 5 * time.Second
)

type connectAttempt struct {
	done   chan struct{}
	client *mongo.Client
	err    error
}

// Manager owns the shared Mongo client. Handlers go through Acquire, which
// revalidates the cached connection with a short ping and re-dials when it
// has gone stale. Concurrent callers share a single in-flight attempt.
type Manager struct {
	uri string

	mu       sync.Mutex
	sm       *stateless.StateMachine
	client   *mongo.Client
	inflight *connectAttempt

	dial func(ctx context.Context, uri string) (*mongo.Client, error)
	ping func(ctx context.Context, c *mongo.Client) error
	drop func(c *mongo.Client)
}

func NewManager(uri string) *Manager {
	sm := stateless.NewStateMachine(StateDisconnected)
	sm.Configure(StateDisconnected).
		Permit(triggerConnect, StateConnecting)
	sm.Configure(StateConnecting).
		Permit(triggerConnected, StateConnected).
		Permit(triggerFailed, StateDisconnected)
	sm.Configure(StateConnected).
		Permit(triggerLost, StateDisconnected)

	return &Manager{
		uri:  uri,
		sm:   sm,
		dial: dialMongo,
		ping: pingMongo,
		drop: dropClient,
	}
}

// Acquire returns a usable client handle or a CONNECTION error.
func (m *Manager) Acquire(ctx context.Context) (*mongo.Client, error) {
	m.mu.Lock()
	if m.client != nil {
		c := m.client
		m.mu.Unlock()

		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := m.ping(pctx, c)
		cancel()
		if err == nil {
			return c, nil
		}
		log.Warn().Err(err).Msg("cached mongo connection is stale, reconnecting")
		metrics.MongoReconnects.Inc()

		m.mu.Lock()
		if m.client == c {
			m.fire(triggerLost)
			m.client = nil
			go m.drop(c)
		}
	}

	// mu held. Join an in-flight attempt instead of dialing again.
	if att := m.inflight; att != nil {
		m.mu.Unlock()
		return awaitAttempt(ctx, att)
	}

	att := &connectAttempt{done: make(chan struct{})}
	m.inflight = att
	m.fire(triggerConnect)
	m.mu.Unlock()

	go m.runConnect(att)
	return awaitAttempt(ctx, att)
}

func (m *Manager) runConnect(att *connectAttempt) {
	// Detached from any one caller: whoever triggered the connect may give
	// up, other callers still want the result.
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	client, err := m.dial(ctx, m.uri)
	att.client, att.err = client, err

	m.mu.Lock()
	m.inflight = nil
	if err != nil {
		m.fire(triggerFailed)
		log.Error().Err(err).Msg("mongo connect failed")
	} else {
		m.fire(triggerConnected)
		m.client = client
		log.Info().Msg("mongo connected")
	}
	m.mu.Unlock()

	close(att.done)
}

func awaitAttempt(ctx context.Context, att *connectAttempt) (*mongo.Client, error) {
	select {
	case <-att.done:
		if att.err != nil {
			return nil, classifyConnErr(att.err)
		}
		return att.client, nil
	case <-ctx.Done():
		// The attempt keeps running for other callers; only this one gives up.
		return nil, classifyConnErr(ctx.Err())
	}
}

// State reports the current lifecycle state for diagnostics.
func (m *Manager) State() string {
	return m.sm.MustState().(string)
}

// URIPreview is the connection string with credentials redacted, safe to
// show in a diagnostics response.
func (m *Manager) URIPreview() string {
	preview := credentialRe.ReplaceAllString(m.uri, "//***:***@")
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	return preview
}

var credentialRe = regexp.MustCompile(`//[^:/@]+:[^@]+@`)

func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	c := m.client
	m.client = nil
	if c != nil {
		m.fire(triggerLost)
	}
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Disconnect(ctx)
}

func (m *Manager) fire(trigger string) {
	if err := m.sm.Fire(trigger); err != nil {
		log.Error().Err(err).Str("trigger", trigger).Msg("connection state transition rejected")
	}
}

func dialMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(connectTimeout).
		SetServerSelectionTimeout(serverSelectionTimeout).
		SetSocketTimeout(socketTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	// Connect is lazy; ping forces server selection so a dead URI fails
	// here instead of on the first query.
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		dropClient(client)
		return nil, err
	}
	return client, nil
}

func pingMongo(ctx context.Context, c *mongo.Client) error {
	return c.Ping(ctx, readpref.Primary())
}

func dropClient(c *mongo.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Disconnect(ctx); err != nil {
		log.Warn().Err(err).Msg("disconnecting stale mongo client")
	}
}

func classifyConnErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err) {
		return apperr.Connection("database is temporarily unavailable, please try again in a moment (timeout)", err)
	}
	return apperr.Connection("unable to connect to the database, please try again", err)
}
