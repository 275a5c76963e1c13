// Package notify pushes job status changes to connected clients. The worker
// publishes events on NATS; each API process relays them into its local
// WebSocket hub. Delivery is best effort: clients reconcile via the status endpoint.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/tryonhub/pkg/models"
)

const (
	TypeTaskStatus = "task_status"
	TypeConnection = "connection"
	TypePing       = "ping"
	TypePong       = "pong"
)

// Event is a task status message as sent to clients.
type Event struct {
	Type      string         `json:"type"`
	TaskType  models.JobKind `json:"task_type"`
	Data      EventData      `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

type EventData struct {
	TaskID            string `json:"task_id"`
	Status            string `json:"status"`
	JobID             int64  `json:"job_id"`
	GeneratedAssetURL string `json:"generated_asset_url,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
	Final             bool   `json:"final,omitempty"`
}

// JobEvent builds the event for the job's current status.
func JobEvent(job *models.Job, now time.Time) Event {
	ev := Event{
		Type:     TypeTaskStatus,
		TaskType: job.Kind,
		Data: EventData{
			Status: job.Status,
			JobID:  job.ID,
			Final:  job.Terminal(),
		},
		Timestamp: now.Unix(),
	}
	if job.TaskToken != nil {
		ev.Data.TaskID = *job.TaskToken
	}
	if job.OutputURL != nil {
		ev.Data.GeneratedAssetURL = *job.OutputURL
	}
	if job.ErrorMessage != nil {
		ev.Data.ErrorMessage = *job.ErrorMessage
	}
	return ev
}

// Notifier delivers an event to every channel of a user. Failures are logged,
// never returned.
type Notifier interface {
	Notify(ctx context.Context, userID int64, ev Event)
}

// Subject is the NATS subject carrying events for a user.
func Subject(prefix string, userID int64) string {
	return fmt.Sprintf("%s.user.%d", prefix, userID)
}

// userFromSubject extracts the user id from a Subject.
func userFromSubject(prefix, subject string) (int64, error) {
	rest, ok := strings.CutPrefix(subject, prefix+".user.")
	if !ok {
		return 0, fmt.Errorf("subject %q outside prefix %q", subject, prefix)
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("subject %q has no user id", subject)
	}
	return id, nil
}
