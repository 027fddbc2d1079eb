// Package scheduler drives the processor role's background work: pulling new
// catalog recordings, dispatching detection tasks one at a time, and sweeping
// stuck tasks back into the queue.
package scheduler

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/unusualbob/Unifi-Video-Detection/internal/messenger"
	"github.com/unusualbob/Unifi-Video-Detection/internal/nvr"
	"github.com/unusualbob/Unifi-Video-Detection/internal/store"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/logging"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/models"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/monitoring"
)

// Config carries the loop timings. Zero values get the defaults below.
type Config struct {
	// IngestInterval is the delay between catalog polls.
	IngestInterval time.Duration
	// DispatchIdleDelay is the wait after finding no pending work.
	DispatchIdleDelay time.Duration
	// StuckThreshold is how long a task may run before the sweep reclaims it.
	StuckThreshold time.Duration
	// SweepInterval is the delay between stuck-task sweeps.
	SweepInterval time.Duration
	// DispatchWaitTimeout bounds how long the dispatcher waits for a detection
	// result before moving on; the sweep later reclaims the abandoned task.
	DispatchWaitTimeout time.Duration
	// CatalogFallback is how far back the first catalog poll reaches when the
	// store is empty.
	CatalogFallback time.Duration
}

// DefaultConfig returns the production loop timings.
func DefaultConfig() Config {
	return Config{
		IngestInterval:      10 * time.Second,
		DispatchIdleDelay:   5 * time.Second,
		StuckThreshold:      10 * time.Minute,
		SweepInterval:       10 * time.Minute,
		DispatchWaitTimeout: 15 * time.Minute,
		CatalogFallback:     12 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IngestInterval <= 0 {
		c.IngestInterval = d.IngestInterval
	}
	if c.DispatchIdleDelay <= 0 {
		c.DispatchIdleDelay = d.DispatchIdleDelay
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = d.StuckThreshold
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.DispatchWaitTimeout <= 0 {
		c.DispatchWaitTimeout = d.DispatchWaitTimeout
	}
	if c.CatalogFallback <= 0 {
		c.CatalogFallback = d.CatalogFallback
	}
	return c
}

// Catalog is the upstream recording catalog as the scheduler consumes it.
type Catalog interface {
	Authenticate(ctx context.Context) error
	FetchRecordingIDs(ctx context.Context, since time.Time) ([]string, error)
	GetRecording(ctx context.Context, id string) (*nvr.RecordingMeta, error)
}

// PageLauncher opens the detection page for a claimed recording.
type PageLauncher interface {
	Launch(ctx context.Context, id string) error
}

// BrowserLauncher opens the local detection page in a real browser; the page's
// in-browser model performs the detection and reports back over HTTP.
type BrowserLauncher struct {
	Browser string // e.g. "google-chrome"
	BaseURL string // e.g. "http://localhost:3000"
}

func (b *BrowserLauncher) Launch(ctx context.Context, id string) error {
	url := fmt.Sprintf("%s/recordings/process/%s", b.BaseURL, id)
	cmd := exec.CommandContext(ctx, b.Browser, url)
	if err := cmd.Start(); err != nil {
		return err
	}
	// The browser process exits immediately when an existing instance picks up
	// the URL; reap it so the daemon does not accumulate zombies.
	go func() { _ = cmd.Wait() }()
	return nil
}

// Metrics are the scheduler's prometheus counters. Optional; a nil Metrics
// disables collection.
type Metrics struct {
	Ingested     *prometheus.CounterVec
	Dispatched   *prometheus.CounterVec
	StuckCleared *prometheus.CounterVec
}

// NewMetrics registers the scheduler counters on the service collector.
func NewMetrics(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		Ingested:     mc.NewCounter("recordings_ingested_total", "Recordings created from catalog polls", nil),
		Dispatched:   mc.NewCounter("detection_jobs_dispatched_total", "Detection tasks dispatched to the page", nil),
		StuckCleared: mc.NewCounter("stuck_jobs_cleared_total", "Stuck detection tasks returned to the queue", nil),
	}
}

// Scheduler owns the three background loops.
type Scheduler struct {
	Config     Config
	Recordings store.RecordingStore
	Catalog    Catalog
	Launcher   PageLauncher
	Messenger  *messenger.Messenger
	Metrics    *Metrics
	Logger     logging.Logger
}

// Start authenticates against the catalog, runs one synchronous stuck sweep,
// then launches the ingest, dispatch and sweep loops. It returns once the
// loops are running; they stop when ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.Config = s.Config.withDefaults()

	if err := s.Catalog.Authenticate(ctx); err != nil {
		return err
	}
	s.sweepStuck(ctx)

	go s.ingestLoop(ctx)
	go s.dispatchLoop(ctx)
	go s.sweepLoop(ctx)
	return nil
}

// ingestLoop polls the catalog for recordings newer than the latest known ID
// and creates documents for unseen ones.
func (s *Scheduler) ingestLoop(ctx context.Context) {
	for {
		if err := s.ingestOnce(ctx); err != nil {
			s.Logger.WithField("error", err.Error()).Error("Catalog poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Config.IngestInterval):
		}
	}
}

func (s *Scheduler) ingestOnce(ctx context.Context) error {
	since := s.catalogSince(ctx)
	ids, err := s.Catalog.FetchRecordingIDs(ctx, since)
	if err != nil {
		return err
	}
	s.Logger.WithField("count", len(ids)).Debug("Checked for new recordings")

	for _, rawID := range ids {
		id, err := bson.ObjectIDFromHex(rawID)
		if err != nil {
			s.Logger.WithField("id", rawID).Warn("Skipping malformed catalog id")
			continue
		}
		if _, err := s.Recordings.Get(ctx, id); err == nil {
			continue
		}
		meta, err := s.Catalog.GetRecording(ctx, rawID)
		if err != nil {
			return err
		}
		if err := s.Recordings.Create(ctx, models.NewRecording(id, meta.Camera)); err != nil {
			return err
		}
		if s.Metrics != nil {
			s.Metrics.Ingested.WithLabelValues().Inc()
		}
	}
	return nil
}

// catalogSince derives the poll window start: the latest known recording's
// creation time, or the fallback horizon when the store is empty.
func (s *Scheduler) catalogSince(ctx context.Context) time.Time {
	latest, ok, err := s.Recordings.LatestID(ctx)
	if err != nil || !ok {
		return time.Now().Add(-s.Config.CatalogFallback)
	}
	return latest.Timestamp()
}

// dispatchLoop claims the oldest pending recording, opens its detection page
// and waits for the outcome. Work claims chain immediately; only an empty
// queue idles.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	for {
		busy := s.dispatchOnce(ctx)
		if busy {
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Config.DispatchIdleDelay):
		}
	}
}

// dispatchOnce runs one claim cycle, reporting whether it found work.
func (s *Scheduler) dispatchOnce(ctx context.Context) bool {
	rec, err := s.Recordings.ClaimOldestPending(ctx, time.Now())
	if err != nil {
		s.Logger.WithField("error", err.Error()).Error("Claiming pending recording failed")
		return false
	}
	if rec == nil {
		return false
	}

	hexID := rec.ID.Hex()
	log := s.Logger.WithField("recording_id", hexID)

	results, cancel, err := s.Messenger.Subscribe(hexID)
	if err != nil {
		log.WithField("error", err.Error()).Error("Detection task already in flight")
		return true
	}
	defer cancel()

	log.Info("Running object detection")
	if s.Metrics != nil {
		s.Metrics.Dispatched.WithLabelValues().Inc()
	}
	if err := s.Launcher.Launch(ctx, hexID); err != nil {
		log.WithField("error", err.Error()).Error("Launching detection page failed")
		if err := s.Recordings.MarkFailed(ctx, rec.ID); err != nil {
			log.WithField("error", err.Error()).Error("Returning recording to queue failed")
		}
		return true
	}

	select {
	case outcome := <-results:
		log.WithField("outcome", string(outcome)).Info("Detection task finished")
	case <-time.After(s.Config.DispatchWaitTimeout):
		// Leave the recording in processing; the stuck sweep reclaims it.
		log.Warn("Detection task timed out")
	case <-ctx.Done():
	}
	return true
}

// sweepLoop periodically returns long-running processing tasks to the queue.
func (s *Scheduler) sweepLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Config.SweepInterval):
			s.sweepStuck(ctx)
		}
	}
}

func (s *Scheduler) sweepStuck(ctx context.Context) {
	s.Logger.Debug("Checking for stuck jobs")
	cleared, err := s.Recordings.RequeueStuck(ctx, time.Now().Add(-s.Config.StuckThreshold))
	if err != nil {
		s.Logger.WithField("error", err.Error()).Error("Stuck job sweep failed")
		return
	}
	if cleared > 0 {
		s.Logger.WithField("count", cleared).Info("Cleared stuck detection jobs")
		if s.Metrics != nil {
			s.Metrics.StuckCleared.WithLabelValues().Add(float64(cleared))
		}
	}
}
