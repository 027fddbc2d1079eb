package scheduler

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/unusualbob/Unifi-Video-Detection/internal/messenger"
	"github.com/unusualbob/Unifi-Video-Detection/internal/nvr"
	"github.com/unusualbob/Unifi-Video-Detection/internal/store"
	apperrors "github.com/unusualbob/Unifi-Video-Detection/pkg/errors"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/logging"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/models"
)

type fakeCatalog struct {
	mu         sync.Mutex
	ids        []string
	meta       map[string]*nvr.RecordingMeta
	authCalls  int
	sinceSeens []time.Time
}

func (f *fakeCatalog) Authenticate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	return nil
}

func (f *fakeCatalog) FetchRecordingIDs(_ context.Context, since time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinceSeens = append(f.sinceSeens, since)
	return f.ids, nil
}

func (f *fakeCatalog) GetRecording(_ context.Context, id string) (*nvr.RecordingMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if meta, ok := f.meta[id]; ok {
		return meta, nil
	}
	return nil, apperrors.NotFound("recording " + id + " not found on nvr")
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
}

func (f *fakeLauncher) Launch(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, id)
	return nil
}

func (f *fakeLauncher) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.launched...)
}

func newScheduler(mem *store.Memory, catalog *fakeCatalog, launcher *fakeLauncher) *Scheduler {
	return &Scheduler{
		Config:     DefaultConfig(),
		Recordings: mem,
		Catalog:    catalog,
		Launcher:   launcher,
		Messenger:  messenger.New(),
		Logger:     logging.NewLogger(),
	}
}

func TestIngestCreatesUnseenRecordings(t *testing.T) {
	mem := store.NewMemory()
	known := bson.NewObjectID()
	fresh := bson.NewObjectID()

	if err := mem.Create(context.Background(), models.NewRecording(known, "Garage")); err != nil {
		t.Fatal(err)
	}

	catalog := &fakeCatalog{
		ids: []string{known.Hex(), fresh.Hex()},
		meta: map[string]*nvr.RecordingMeta{
			fresh.Hex(): {Camera: "Driveway"},
		},
	}
	s := newScheduler(mem, catalog, &fakeLauncher{})

	if err := s.ingestOnce(context.Background()); err != nil {
		t.Fatalf("ingestOnce: %v", err)
	}

	rec, err := mem.Get(context.Background(), fresh)
	if err != nil {
		t.Fatalf("new recording not created: %v", err)
	}
	if rec.Camera != "Driveway" {
		t.Errorf("camera = %q", rec.Camera)
	}
	if rec.Status.ObjectDetection != models.StagePending {
		t.Errorf("objectDetection = %s", rec.Status.ObjectDetection)
	}
}

func TestIngestSkipsMalformedIDs(t *testing.T) {
	mem := store.NewMemory()
	good := bson.NewObjectID()
	catalog := &fakeCatalog{
		ids: []string{"not-an-id", good.Hex()},
		meta: map[string]*nvr.RecordingMeta{
			good.Hex(): {Camera: "Porch"},
		},
	}
	s := newScheduler(mem, catalog, &fakeLauncher{})

	if err := s.ingestOnce(context.Background()); err != nil {
		t.Fatalf("ingestOnce: %v", err)
	}
	if _, err := mem.Get(context.Background(), good); err != nil {
		t.Errorf("valid id not ingested: %v", err)
	}
}

func TestCatalogSinceFallback(t *testing.T) {
	mem := store.NewMemory()
	s := newScheduler(mem, &fakeCatalog{}, &fakeLauncher{})

	since := s.catalogSince(context.Background())
	expected := time.Now().Add(-s.Config.CatalogFallback)
	if diff := since.Sub(expected); diff < -time.Minute || diff > time.Minute {
		t.Errorf("fallback since = %v, want about %v", since, expected)
	}
}

func TestCatalogSinceUsesLatestRecording(t *testing.T) {
	mem := store.NewMemory()
	recordedAt := time.Now().Add(-30 * time.Minute).Truncate(time.Second)
	id := bson.NewObjectIDFromTimestamp(recordedAt)
	if err := mem.Create(context.Background(), models.NewRecording(id, "Garage")); err != nil {
		t.Fatal(err)
	}

	s := newScheduler(mem, &fakeCatalog{}, &fakeLauncher{})
	since := s.catalogSince(context.Background())
	if !since.Equal(recordedAt.UTC()) {
		t.Errorf("since = %v, want %v", since, recordedAt.UTC())
	}
}

func TestDispatchClaimsOldestFirst(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	older := bson.NewObjectIDFromTimestamp(time.Now().Add(-time.Hour))
	newer := bson.NewObjectIDFromTimestamp(time.Now().Add(-time.Minute))
	if err := mem.Create(ctx, models.NewRecording(newer, "B")); err != nil {
		t.Fatal(err)
	}
	if err := mem.Create(ctx, models.NewRecording(older, "A")); err != nil {
		t.Fatal(err)
	}

	launcher := &fakeLauncher{}
	s := newScheduler(mem, &fakeCatalog{}, launcher)

	// Complete each task as soon as its page launches so dispatchOnce returns.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2; i++ {
			for {
				ids := launcher.ids()
				if len(ids) > i {
					s.Messenger.Publish(ids[i], messenger.OutcomeCleared)
					break
				}
				time.Sleep(time.Millisecond)
			}
		}
	}()

	if !s.dispatchOnce(ctx) {
		t.Fatal("expected work on first dispatch")
	}
	if !s.dispatchOnce(ctx) {
		t.Fatal("expected work on second dispatch")
	}
	<-done

	ids := launcher.ids()
	if len(ids) != 2 || ids[0] != older.Hex() || ids[1] != newer.Hex() {
		t.Fatalf("launch order = %v, want oldest first", ids)
	}
	if s.dispatchOnce(ctx) {
		t.Error("expected no work on empty queue")
	}
}

func TestDispatchStampsProcessing(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	id := bson.NewObjectID()
	if err := mem.Create(ctx, models.NewRecording(id, "Garage")); err != nil {
		t.Fatal(err)
	}

	launcher := &fakeLauncher{}
	s := newScheduler(mem, &fakeCatalog{}, launcher)
	s.Config.DispatchWaitTimeout = 10 * time.Millisecond

	if !s.dispatchOnce(ctx) {
		t.Fatal("expected work")
	}

	rec, err := mem.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status.ObjectDetection != models.StageProcessing {
		t.Errorf("objectDetection = %s, want processing", rec.Status.ObjectDetection)
	}
	if rec.Status.TaskStart == nil {
		t.Error("taskStart not stamped")
	}
}

func TestDispatchTimeoutLeavesTaskForSweep(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	id := bson.NewObjectID()
	if err := mem.Create(ctx, models.NewRecording(id, "Garage")); err != nil {
		t.Fatal(err)
	}

	s := newScheduler(mem, &fakeCatalog{}, &fakeLauncher{})
	s.Config.DispatchWaitTimeout = 5 * time.Millisecond

	if !s.dispatchOnce(ctx) {
		t.Fatal("expected work")
	}

	// Still processing after the timeout; the sweep reclaims it.
	rec, _ := mem.Get(ctx, id)
	if rec.Status.ObjectDetection != models.StageProcessing {
		t.Fatalf("objectDetection = %s", rec.Status.ObjectDetection)
	}

	past := time.Now().Add(time.Minute)
	cleared, err := mem.RequeueStuck(ctx, past)
	if err != nil {
		t.Fatal(err)
	}
	if cleared != 1 {
		t.Errorf("cleared = %d, want 1", cleared)
	}

	// The subscription was released on timeout, so the task can be
	// dispatched again.
	done := make(chan struct{})
	launcher2 := s.Launcher.(*fakeLauncher)
	go func() {
		defer close(done)
		for {
			ids := launcher2.ids()
			if len(ids) == 2 {
				s.Messenger.Publish(ids[1], messenger.OutcomeCleared)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	s.Config.DispatchWaitTimeout = time.Second
	if !s.dispatchOnce(ctx) {
		t.Fatal("expected requeued work")
	}
	<-done
}

func TestStartRunsSynchronousSweep(t *testing.T) {
	mem := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stuck := models.NewRecording(bson.NewObjectID(), "Garage")
	if err := mem.Create(ctx, stuck); err != nil {
		t.Fatal(err)
	}
	started := time.Now().Add(-time.Hour)
	if _, err := mem.ClaimOldestPending(ctx, started); err != nil {
		t.Fatal(err)
	}

	catalog := &fakeCatalog{}
	s := newScheduler(mem, catalog, &fakeLauncher{})
	// Long intervals keep the background loops quiet during the assertion.
	s.Config.IngestInterval = time.Hour
	s.Config.DispatchIdleDelay = time.Hour
	s.Config.SweepInterval = time.Hour

	// Drain the dispatch of the swept recording so it does not block.
	go func() {
		for {
			rec, err := mem.ClaimOldestPending(ctx, time.Now())
			if err == nil && rec != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
		}
	}()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if catalog.authCalls != 1 {
		t.Errorf("authCalls = %d, want 1", catalog.authCalls)
	}
}

func TestBrowserLauncherOpensProcessPage(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	out := filepath.Join(dir, "opened")
	script := filepath.Join(dir, "browser")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nprintf '%s' \"$1\" > "+out+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	b := &BrowserLauncher{Browser: script, BaseURL: "http://localhost:3000"}
	if err := b.Launch(context.Background(), "abc123"); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	// Launch only starts the process; the reap goroutine collects it once the
	// URL has been handed off.
	deadline := time.Now().Add(5 * time.Second)
	for {
		raw, err := os.ReadFile(out)
		if err == nil {
			if got, want := string(raw), "http://localhost:3000/recordings/process/abc123"; got != want {
				t.Fatalf("opened %q, want %q", got, want)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("browser process never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
