package events

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/betaforge/betaforge/internal/common/config"
	"github.com/betaforge/betaforge/internal/common/logger"
	"github.com/betaforge/betaforge/internal/events/bus"
)

// Provide builds the event bus selected by cfg.NATS. NATS is used when a URL
// is configured so stream subscribers served by other replicas see live
// activity. Otherwise activity is fanned out in process only.
func Provide(cfg config.NATSConfig, log *logger.Logger) (bus.EventBus, func() error, error) {
	var b bus.EventBus
	if strings.TrimSpace(cfg.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		b = natsBus
		log.Info("using nats event bus", zap.String("subject_prefix", cfg.SubjectPrefix))
	} else {
		b = bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
	}
	return b, func() error { b.Close(); return nil }, nil
}
