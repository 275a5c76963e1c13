package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Publisher is the publishing half of bus.Client.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Subscriber is the subscribing half of bus.Client.
type Subscriber interface {
	SubscribeJSON(subject string, handler func(ctx context.Context, subject string, data []byte)) (*nats.Subscription, error)
}

// BusNotifier publishes events on NATS for the API processes to relay.
type BusNotifier struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

func NewBusNotifier(pub Publisher, prefix string, logger *slog.Logger) *BusNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusNotifier{pub: pub, prefix: prefix, logger: logger}
}

func (n *BusNotifier) Notify(_ context.Context, userID int64, ev Event) {
	if err := n.pub.PublishJSON(Subject(n.prefix, userID), ev); err != nil {
		n.logger.Warn("publish job event failed",
			"user_id", userID, "job_id", ev.Data.JobID, "status", ev.Data.Status, "error", err)
	}
}

// Relay forwards events received on NATS into a local Hub.
type Relay struct {
	hub    *Hub
	prefix string
	logger *slog.Logger
}

func NewRelay(hub *Hub, prefix string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{hub: hub, prefix: prefix, logger: logger}
}

// Start subscribes to every user subject under the prefix.
func (r *Relay) Start(sub Subscriber) (*nats.Subscription, error) {
	return sub.SubscribeJSON(r.prefix+".user.*", r.Handle)
}

// Handle delivers one NATS message to the hub.
func (r *Relay) Handle(_ context.Context, subject string, data []byte) {
	userID, err := userFromSubject(r.prefix, subject)
	if err != nil {
		r.logger.Warn("relay: bad subject", "subject", subject, "error", err)
		return
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		r.logger.Warn("relay: bad event payload", "subject", subject, "error", err)
		return
	}
	delivered := r.hub.Push(userID, ev)
	r.logger.Debug("relayed job event", "user_id", userID, "job_id", ev.Data.JobID, "delivered", delivered)
}
