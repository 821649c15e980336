package status

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/i4g/dossiers/pkg/config"
)

// FromConfig builds the reporters enabled in cfg. p may be nil when no
// Pub/Sub topic is configured. With nothing configured the result is Noop.
func FromConfig(cfg config.ReporterConfig, p Publisher, logger *slog.Logger) Reporter {
	taskID := cfg.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}
	var reporters Multi
	if cfg.StatusURL != "" {
		reporters = append(reporters, NewHTTPReporter(cfg.StatusURL, taskID, logger))
	}
	if cfg.PubSubTopic != "" && p != nil {
		reporters = append(reporters, NewPubSubReporter(p, cfg.PubSubTopic, taskID, logger))
	}
	switch len(reporters) {
	case 0:
		return Noop{}
	case 1:
		return reporters[0]
	default:
		return reporters
	}
}
