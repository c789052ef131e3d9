package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Subject suffixes appended to the configured prefix.
const (
	MessageSubject  = "message"
	ReactionSubject = "reaction"
)

// Connect dials NATS with reconnects enabled for the lifetime of the process.
func Connect(url, name string, log *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return nc, nil
}

// Subscriber feeds notifications published on NATS into a Notifier. Each
// gateway instance subscribes without a queue group, so every instance
// delivers to its own locally connected clients.
type Subscriber struct {
	nc      *nats.Conn
	prefix  string
	target  Notifier
	timeout time.Duration
	log     *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewSubscriber returns a Subscriber for subjects under prefix.
func NewSubscriber(nc *nats.Conn, prefix string, target Notifier, timeout time.Duration, log *zap.Logger) *Subscriber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Subscriber{
		nc:      nc,
		prefix:  prefix,
		target:  target,
		timeout: timeout,
		log:     log.Named("notify"),
	}
}

// Start subscribes to the message and reaction subjects.
func (s *Subscriber) Start() error {
	routes := map[string]nats.MsgHandler{
		s.subject(MessageSubject):  s.handleMessage,
		s.subject(ReactionSubject): s.handleReaction,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for subject, handler := range routes {
		sub, err := s.nc.Subscribe(subject, handler)
		if err != nil {
			return errors.Wrapf(err, "subscribe %s", subject)
		}
		s.subs = append(s.subs, sub)
		s.log.Info("Subscribed", zap.String("subject", subject))
	}
	return nil
}

// Stop drains every subscription.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.subs = nil
	return firstErr
}

func (s *Subscriber) subject(suffix string) string {
	return s.prefix + "." + suffix
}

func (s *Subscriber) handleMessage(m *nats.Msg) {
	var n MessageNotification
	s.handle(m, &n, func(ctx context.Context) error { return n.Deliver(ctx, s.target) })
}

func (s *Subscriber) handleReaction(m *nats.Msg) {
	var n ReactionNotification
	s.handle(m, &n, func(ctx context.Context) error { return n.Deliver(ctx, s.target) })
}

func (s *Subscriber) handle(m *nats.Msg, into any, deliver func(context.Context) error) {
	log := s.log.With(zap.String("subject", m.Subject))

	if err := json.Unmarshal(m.Data, into); err != nil {
		log.Warn("Dropping undecodable notification", zap.Error(err))
		s.respond(m, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	err := deliver(ctx)
	if err != nil {
		log.Warn("Notification rejected", zap.Error(err))
	}
	s.respond(m, err)
}

type ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// respond answers request-style publishes; fire-and-forget ones are left alone.
func (s *Subscriber) respond(m *nats.Msg, err error) {
	if m.Reply == "" {
		return
	}
	a := ack{OK: err == nil}
	if err != nil {
		a.Error = err.Error()
	}
	body, _ := json.Marshal(a)
	if rerr := m.Respond(body); rerr != nil {
		s.log.Debug("Could not answer notification", zap.Error(rerr))
	}
}
