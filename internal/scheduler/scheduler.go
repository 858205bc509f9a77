// Package scheduler runs periodic jobs on cron schedules: the stream
// statistics report and the provider playlist refresh.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jmylchreest/streammux/internal/observability"
	"github.com/jmylchreest/streammux/internal/relay"
)

// StreamLister lists the live streams.
type StreamLister interface {
	List() []*relay.StreamInformation
}

// GaugeSetter receives the aggregate gauges computed by each report.
type GaugeSetter interface {
	SetActiveStreams(n int)
	SetSubscribers(n int)
}

// Summary aggregates one report.
type Summary struct {
	Streams     int
	Subscribers int
	BytesIn     uint64
	Drops       uint64
}

// Reporter logs per-stream statistics on a cron schedule and refreshes gauges.
type Reporter struct {
	streams   StreamLister
	gauges    GaugeSetter
	logger    *slog.Logger
	cleanURLs func() bool
	job       *Job
}

// NewReporter creates a reporter. gauges may be nil.
func NewReporter(streams StreamLister, gauges GaugeSetter) *Reporter {
	r := &Reporter{
		streams:   streams,
		gauges:    gauges,
		logger:    slog.Default(),
		cleanURLs: func() bool { return false },
	}
	r.job = NewJob("stats reporter", func() { r.Report() })
	return r
}

// WithLogger sets a custom logger.
func (r *Reporter) WithLogger(logger *slog.Logger) *Reporter {
	r.logger = logger
	r.job.WithLogger(logger)
	return r
}

// WithURLCleaning makes the reporter consult fn before logging stream URLs.
func (r *Reporter) WithURLCleaning(fn func() bool) *Reporter {
	if fn != nil {
		r.cleanURLs = fn
	}
	return r
}

// Start begins reporting on schedule.
func (r *Reporter) Start(schedule string) error { return r.job.Start(schedule) }

// Reschedule replaces the schedule of a running reporter. An invalid schedule
// keeps the previous one.
func (r *Reporter) Reschedule(schedule string) error { return r.job.Reschedule(schedule) }

// Stop stops the reporter and waits for a running report to finish.
func (r *Reporter) Stop() { r.job.Stop() }

// RefreshGauges updates the active stream and subscriber gauges.
func (r *Reporter) RefreshGauges() {
	if r.gauges == nil {
		return
	}
	streams := r.streams.List()
	subscribers := 0
	for _, s := range streams {
		subscribers += s.SubscriberCount()
	}
	r.gauges.SetActiveStreams(len(streams))
	r.gauges.SetSubscribers(subscribers)
}

// Report logs one line per live stream and a summary, and refreshes gauges.
func (r *Reporter) Report() Summary {
	streams := r.streams.List()
	clean := r.cleanURLs()

	var sum Summary
	for _, s := range streams {
		snap := s.Snapshot()
		drops := snap.Buffer.TotalDrops()

		sum.Streams++
		sum.Subscribers += snap.Subscribers
		sum.BytesIn += snap.Buffer.BytesIn
		sum.Drops += drops

		attrs := []any{
			slog.String("stream_id", snap.ID),
			observability.StreamURL(snap.URL, clean),
			slog.String("state", snap.State),
			slog.String("mode", snap.Mode),
			slog.Int("group_id", snap.GroupID),
			slog.Int("subscribers", snap.Subscribers),
			slog.String("bytes_in", humanize.IBytes(snap.Buffer.BytesIn)),
			slog.String("ingress_rate", humanize.IBytes(snap.IngressBps)+"/s"),
			slog.String("dropped", humanize.IBytes(drops)),
			slog.Duration("uptime", time.Since(snap.StartedAt).Round(time.Second)),
		}
		if p := snap.Process; p != nil {
			attrs = append(attrs,
				slog.Int("pid", p.PID),
				slog.Float64("cpu_percent", p.CPUPercent),
				slog.Float64("memory_rss_mb", p.MemoryRSSMB))
		}
		r.logger.Info("stream stats", attrs...)
	}

	if r.gauges != nil {
		r.gauges.SetActiveStreams(sum.Streams)
		r.gauges.SetSubscribers(sum.Subscribers)
	}

	r.logger.Info("stats summary",
		slog.Int("streams", sum.Streams),
		slog.Int("subscribers", sum.Subscribers),
		slog.String("bytes_in", humanize.IBytes(sum.BytesIn)),
		slog.String("dropped", humanize.IBytes(sum.Drops)))

	return sum
}
