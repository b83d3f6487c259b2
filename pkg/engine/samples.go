package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxSampleSkew bounds how far in the future a collector clock may run.
const maxSampleSkew = 5 * time.Minute

// Validate checks the bounds of one pushed sample.
func (s *MetricSample) Validate(now time.Time) error {
	percents := []struct {
		name  string
		value float64
	}{
		{"cpu_usage", s.CPUUsage},
		{"memory_usage", s.MemoryUsage},
		{"storage_usage", s.StorageUsage},
	}
	for _, p := range percents {
		if math.IsNaN(p.value) || p.value < 0 || p.value > 100 {
			return sampleFault("%s must be between 0 and 100, got %v", p.name, p.value)
		}
	}

	if s.MemoryTotalBytes < 0 || s.MemoryUsedBytes < 0 || s.StorageTotalBytes < 0 || s.StorageUsedBytes < 0 {
		return sampleFault("byte counters must not be negative")
	}
	if s.MemoryUsedBytes > s.MemoryTotalBytes {
		return sampleFault("memory_used_bytes exceeds memory_total_bytes")
	}
	if s.StorageUsedBytes > s.StorageTotalBytes {
		return sampleFault("storage_used_bytes exceeds storage_total_bytes")
	}

	if s.CollectedAt.IsZero() {
		return sampleFault("collected_at is required")
	}
	if s.CollectedAt.After(now.Add(maxSampleSkew)) {
		return sampleFault("collected_at %s is in the future", s.CollectedAt.Format(time.RFC3339))
	}
	return nil
}

func sampleFault(format string, args ...any) *Fault {
	return NewValidationFault(fmt.Sprintf(format, args...), nil).WithCode(ErrCodeInvalidSample)
}

// SampleIngestor accepts usage samples pushed by host collectors.
type SampleIngestor struct {
	deps   *Deps
	logger zerolog.Logger
}

// NewSampleIngestor creates an ingestor.
func NewSampleIngestor(deps *Deps) *SampleIngestor {
	return &SampleIngestor{deps: deps, logger: deps.logger("ingest")}
}

// Ingest validates and stores samples for hostID. A batch is stored whole or
// not at all.
func (i *SampleIngestor) Ingest(ctx context.Context, hostID string, samples []*MetricSample) error {
	if len(samples) == 0 {
		return sampleFault("no samples")
	}
	if _, err := i.deps.Store.GetHost(ctx, hostID); err != nil {
		return err
	}

	now := i.deps.now()
	for n, s := range samples {
		if err := s.Validate(now); err != nil {
			i.deps.Metrics.RecordSamples("rejected", len(samples))
			return asFault(err).WithHost(hostID).WithDetail("index", n)
		}
		if s.ID == "" {
			s.ID = uuid.New().String()
		}
		s.HostID = hostID
		s.CollectedAt = s.CollectedAt.UTC()
		s.ReceivedAt = now
	}

	if err := i.deps.Store.SaveMetricSamples(ctx, samples); err != nil {
		i.deps.Metrics.RecordSamples("error", len(samples))
		return fmt.Errorf("failed to save samples: %w", err)
	}
	i.deps.Metrics.RecordSamples("accepted", len(samples))

	latest := samples[0]
	for _, s := range samples[1:] {
		if s.CollectedAt.After(latest.CollectedAt) {
			latest = s
		}
	}
	i.deps.Metrics.SetHostUsage(hostID, "cpu", latest.CPUUsage)
	i.deps.Metrics.SetHostUsage(hostID, "memory", latest.MemoryUsage)
	i.deps.Metrics.SetHostUsage(hostID, "storage", latest.StorageUsage)

	i.logger.Debug().Str("host_id", hostID).Int("samples", len(samples)).Msg("samples ingested")
	return nil
}
