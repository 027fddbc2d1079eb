package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	apperrors "github.com/unusualbob/Unifi-Video-Detection/pkg/errors"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/models"
)

func TestGrantAndCheckAccess(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	key := "04deadbeef"

	if err := s.CheckAccess(ctx, key, models.AccessRead); !apperrors.Is(err, apperrors.CodeUnauthorized) {
		t.Fatalf("unknown key should be unauthorized, got %v", err)
	}

	if err := s.GrantAccess(ctx, key, models.AccessRead); err != nil {
		t.Fatalf("grant: %v", err)
	}
	// re-grant is idempotent
	if err := s.GrantAccess(ctx, key, models.AccessRead); err != nil {
		t.Fatalf("re-grant: %v", err)
	}
	if err := s.CheckAccess(ctx, key, models.AccessRead); err != nil {
		t.Fatalf("check read: %v", err)
	}
	if err := s.CheckAccess(ctx, key, models.AccessWrite); !apperrors.Is(err, apperrors.CodeUnauthorized) {
		t.Fatalf("missing write should be unauthorized, got %v", err)
	}

	if err := s.GrantAccess(ctx, key, models.AccessLevel("admin")); !apperrors.Is(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("unknown level should be rejected, got %v", err)
	}
}

func TestOneTimeAuthSingleUse(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	token, err := s.Issue(ctx, "/recordings/abc/upload")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(token) != otaTokenBytes*2 {
		t.Fatalf("unexpected token length %d", len(token))
	}

	ota, err := s.Redeem(ctx, token)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if ota.PathRestriction != "/recordings/abc/upload" {
		t.Fatalf("unexpected restriction %q", ota.PathRestriction)
	}

	if _, err := s.Redeem(ctx, token); !apperrors.Is(err, apperrors.CodeUnauthorized) {
		t.Fatalf("second redeem should fail, got %v", err)
	}
	if _, err := s.Redeem(ctx, "neverissued"); !apperrors.Is(err, apperrors.CodeUnauthorized) {
		t.Fatalf("unknown token should fail, got %v", err)
	}
}

func TestOneTimeAuthConcurrentRedeemSingleWinner(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	token, err := s.Issue(ctx, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	const attempts = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Redeem(ctx, token); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one successful redemption, got %d", winners)
	}
}

func TestClaimOldestPendingOrderAndSingleFlight(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	older := bson.NewObjectIDFromTimestamp(time.Now().Add(-2 * time.Hour))
	newer := bson.NewObjectIDFromTimestamp(time.Now().Add(-1 * time.Hour))
	if err := s.Create(ctx, models.NewRecording(newer, "")); err != nil {
		t.Fatalf("create newer: %v", err)
	}
	if err := s.Create(ctx, models.NewRecording(older, "")); err != nil {
		t.Fatalf("create older: %v", err)
	}

	claimed, err := s.ClaimOldestPending(ctx, time.Now())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != older {
		t.Fatalf("expected oldest recording claimed, got %+v", claimed)
	}
	if claimed.Status.ObjectDetection != models.StageProcessing {
		t.Fatalf("claim must flip to processing, got %s", claimed.Status.ObjectDetection)
	}
	if claimed.Status.TaskStart == nil {
		t.Fatal("claim must stamp taskStart")
	}

	second, err := s.ClaimOldestPending(ctx, time.Now())
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second == nil || second.ID != newer {
		t.Fatalf("expected second pending recording, got %+v", second)
	}

	third, err := s.ClaimOldestPending(ctx, time.Now())
	if err != nil {
		t.Fatalf("third claim: %v", err)
	}
	if third != nil {
		t.Fatalf("no pending recordings left, got %+v", third)
	}
}

func TestMarkClearAndFailedGuards(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	id := bson.NewObjectID()

	if err := s.Create(ctx, models.NewRecording(id, "")); err != nil {
		t.Fatalf("create: %v", err)
	}

	// still pending: both transitions rejected
	if err := s.MarkClear(ctx, id); !apperrors.Is(err, apperrors.CodeInvalidStateTransition) {
		t.Fatalf("clear from pending: got %v", err)
	}
	if err := s.MarkFailed(ctx, id); !apperrors.Is(err, apperrors.CodeInvalidStateTransition) {
		t.Fatalf("fail from pending: got %v", err)
	}

	if _, err := s.ClaimOldestPending(ctx, time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkClear(ctx, id); err != nil {
		t.Fatalf("clear from processing: %v", err)
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status.ObjectDetection != models.StageComplete || rec.Status.FaceDetection != models.StageSkipped {
		t.Fatalf("unexpected status after clear: %+v", rec.Status)
	}

	if err := s.MarkClear(ctx, bson.NewObjectID()); !apperrors.Is(err, apperrors.CodeNotFound) {
		t.Fatalf("unknown id: got %v", err)
	}
}

func TestRequeueStuckThreshold(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now()

	stuck := models.NewRecording(bson.NewObjectID(), "")
	stuck.Status.ObjectDetection = models.StageProcessing
	eleven := now.Add(-11 * time.Minute)
	stuck.Status.TaskStart = &eleven

	fresh := models.NewRecording(bson.NewObjectID(), "")
	fresh.Status.ObjectDetection = models.StageProcessing
	five := now.Add(-5 * time.Minute)
	fresh.Status.TaskStart = &five

	for _, rec := range []*models.Recording{stuck, fresh} {
		if err := s.Create(ctx, rec); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	reset, err := s.RequeueStuck(ctx, now.Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("requeue stuck: %v", err)
	}
	if reset != 1 {
		t.Fatalf("expected 1 reset, got %d", reset)
	}

	got, _ := s.Get(ctx, stuck.ID)
	if got.Status.ObjectDetection != models.StagePending {
		t.Fatalf("stuck recording should be pending, got %s", got.Status.ObjectDetection)
	}
	got, _ = s.Get(ctx, fresh.ID)
	if got.Status.ObjectDetection != models.StageProcessing {
		t.Fatalf("recent recording should stay processing, got %s", got.Status.ObjectDetection)
	}
}

func TestRecentDetectionsPagingAndFiltering(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	base := time.Now().Add(-3 * time.Hour)

	var withDetections []bson.ObjectID
	for i := 0; i < 3; i++ {
		rec := models.NewRecording(bson.NewObjectIDFromTimestamp(base.Add(time.Duration(i)*time.Minute)), "")
		rec.ObjectDetected = i%2 == 0 // two of three carry detections
		rec.Thumbnail = "ZmFrZQ=="
		if rec.ObjectDetected {
			withDetections = append(withDetections, rec.ID)
		}
		if err := s.Create(ctx, rec); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	recs, err := s.RecentDetections(ctx, nil)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 recordings, got %d", len(recs))
	}
	if recs[0].ID != withDetections[1] || recs[1].ID != withDetections[0] {
		t.Fatal("expected newest-first ordering")
	}
	if recs[0].Thumbnail != "" {
		t.Fatal("thumbnail must be projected out of listings")
	}

	// cursor excludes everything at or after it
	page, err := s.RecentDetections(ctx, &withDetections[1])
	if err != nil {
		t.Fatalf("recent with cursor: %v", err)
	}
	if len(page) != 1 || page[0].ID != withDetections[0] {
		t.Fatalf("unexpected cursor page: %+v", page)
	}
}
