// Package status reports batch progress to an external task tracker.
// Reporters never fail the caller: delivery problems are logged and dropped.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/i4g/dossiers/pkg/logging"
)

// Update is one progress event.
type Update struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// Reporter receives progress events.
type Reporter interface {
	Update(ctx context.Context, u Update)
}

// Noop discards every update.
type Noop struct{}

// Update implements Reporter
func (Noop) Update(context.Context, Update) {}

// Multi fans an update out to several reporters.
type Multi []Reporter

// Update implements Reporter
func (m Multi) Update(ctx context.Context, u Update) {
	for _, r := range m {
		if r != nil {
			r.Update(ctx, u)
		}
	}
}

const deliveryTimeout = 5 * time.Second

type envelope struct {
	TaskID    string                 `json:"task_id"`
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func newEnvelope(taskID string, u Update) envelope {
	return envelope{
		TaskID:    taskID,
		Status:    u.Status,
		Message:   u.Message,
		Fields:    u.Fields,
		Timestamp: time.Now().UTC(),
	}
}

// HTTPReporter POSTs each update as JSON to URL.
type HTTPReporter struct {
	URL    string
	TaskID string
	Client *http.Client
	logger *slog.Logger
}

// NewHTTPReporter creates a reporter for the task status endpoint at url.
func NewHTTPReporter(url, taskID string, logger *slog.Logger) *HTTPReporter {
	return &HTTPReporter{
		URL:    url,
		TaskID: taskID,
		Client: &http.Client{Timeout: deliveryTimeout},
		logger: logging.OrDefault(logger),
	}
}

// Update implements Reporter
func (r *HTTPReporter) Update(ctx context.Context, u Update) {
	if err := r.post(ctx, u); err != nil {
		r.logger.Warn("status update not delivered", "status", u.Status, "error", err)
	}
}

func (r *HTTPReporter) post(ctx context.Context, u Update) error {
	body, err := json.Marshal(newEnvelope(r.TaskID, u))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	return nil
}

// Publisher publishes a message to a Pub/Sub topic. *gcp.Client satisfies it.
type Publisher interface {
	PublishMessage(ctx context.Context, topicName string, data []byte, attributes map[string]string) error
}

// PubSubReporter publishes each update to Topic with task_id and status
// attributes so subscribers can filter without decoding.
type PubSubReporter struct {
	Topic     string
	TaskID    string
	publisher Publisher
	logger    *slog.Logger
}

// NewPubSubReporter creates a reporter publishing through p.
func NewPubSubReporter(p Publisher, topic, taskID string, logger *slog.Logger) *PubSubReporter {
	return &PubSubReporter{Topic: topic, TaskID: taskID, publisher: p, logger: logging.OrDefault(logger)}
}

// Update implements Reporter
func (r *PubSubReporter) Update(ctx context.Context, u Update) {
	data, err := json.Marshal(newEnvelope(r.TaskID, u))
	if err != nil {
		r.logger.Warn("status update not encoded", "status", u.Status, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	attrs := map[string]string{"task_id": r.TaskID, "status": u.Status}
	if err := r.publisher.PublishMessage(ctx, r.Topic, data, attrs); err != nil {
		r.logger.Warn("status update not published", "status", u.Status, "topic", r.Topic, "error", err)
	}
}
