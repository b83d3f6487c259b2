package engine

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// Deps are the collaborators shared by every job type.
type Deps struct {
	Store     Store
	Runner    Runner
	Locker    Locker
	Publisher Publisher

	// Optional. Nil metrics and tracer are no-ops; a nil logger falls back to
	// the global zerolog logger.
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Logger  *telemetry.Logger

	// Now is overridden by tests.
	Now func() time.Time
}

func (d *Deps) logger(component string) zerolog.Logger {
	if d.Logger == nil {
		return log.Logger.With().Str("component", component).Logger()
	}
	return d.Logger.NewComponentLogger(component).Zerolog()
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *Deps) publish(hostID, eventType string, data any) {
	if d.Publisher != nil {
		d.Publisher.Publish(hostID, eventType, data)
	}
}
