package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	apperrors "github.com/unusualbob/Unifi-Video-Detection/pkg/errors"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/models"
)

// Memory is a mutex-guarded in-memory store set with the same atomicity
// semantics as the Mongo backend. Used by tests and usable as a standalone
// backend for a single-process deployment without durability needs.
type Memory struct {
	mu sync.Mutex

	keys       map[string]*models.AuthorizedKey
	tokens     map[string]*models.OneTimeAuth
	recordings map[bson.ObjectID]*models.Recording
	push       []models.NotificationToken
}

func NewMemory() *Memory {
	return &Memory{
		keys:       make(map[string]*models.AuthorizedKey),
		tokens:     make(map[string]*models.OneTimeAuth),
		recordings: make(map[bson.ObjectID]*models.Recording),
	}
}

// Stores returns the store bundle backed by this instance.
func (s *Memory) Stores() Stores {
	return Stores{
		Keys:               s,
		Tokens:             s,
		Recordings:         s,
		NotificationTokens: s,
	}
}

// AddNotificationToken registers a push token (test scaffolding).
func (s *Memory) AddNotificationToken(token models.NotificationToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.push = append(s.push, token)
}

// --- KeyStore ---

func (s *Memory) GrantAccess(_ context.Context, publicKey string, levels ...models.AccessLevel) error {
	for _, level := range levels {
		if !models.ValidAccessLevel(level) {
			return apperrors.InvalidArg(fmt.Sprintf("unknown access level %q", level))
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[publicKey]
	if !ok {
		key = &models.AuthorizedKey{PublicKey: publicKey}
		s.keys[publicKey] = key
	}
	for _, level := range levels {
		if !key.HasAccess(level) {
			key.Access = append(key.Access, level)
		}
	}
	return nil
}

func (s *Memory) CheckAccess(_ context.Context, publicKey string, level models.AccessLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[publicKey]
	if !ok || !key.HasAccess(level) {
		return apperrors.Unauthorized("unauthorized key")
	}
	return nil
}

// --- OneTimeAuthStore ---

func (s *Memory) Issue(_ context.Context, pathRestriction string) (string, error) {
	entropy := make([]byte, otaTokenBytes)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token := hex.EncodeToString(entropy)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = &models.OneTimeAuth{Token: token, PathRestriction: pathRestriction}
	return token, nil
}

func (s *Memory) Redeem(_ context.Context, token string) (*models.OneTimeAuth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ota, ok := s.tokens[token]
	if !ok || ota.Used != nil {
		return nil, apperrors.Unauthorized("invalid one time auth token")
	}
	now := time.Now()
	ota.Used = &now
	copied := *ota
	return &copied, nil
}

// --- RecordingStore ---

func (s *Memory) Create(_ context.Context, rec *models.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.recordings[rec.ID]; exists {
		return apperrors.Conflict("recording already exists")
	}
	copied := *rec
	s.recordings[rec.ID] = &copied
	return nil
}

func (s *Memory) Get(_ context.Context, id bson.ObjectID) (*models.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recordings[id]
	if !ok {
		return nil, apperrors.NotFound("recording not found")
	}
	copied := *rec
	return &copied, nil
}

func (s *Memory) Save(_ context.Context, rec *models.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *rec
	s.recordings[rec.ID] = &copied
	return nil
}

func (s *Memory) LatestID(_ context.Context) (bson.ObjectID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.sortedIDs()
	if len(ids) == 0 {
		return bson.ObjectID{}, false, nil
	}
	return ids[len(ids)-1], true, nil
}

func (s *Memory) ClaimOldestPending(_ context.Context, now time.Time) (*models.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.sortedIDs() {
		rec := s.recordings[id]
		if rec.Status.ObjectDetection != models.StagePending {
			continue
		}
		rec.Status.ObjectDetection = models.StageProcessing
		start := now
		rec.Status.TaskStart = &start
		copied := *rec
		return &copied, nil
	}
	return nil, nil
}

func (s *Memory) MarkClear(_ context.Context, id bson.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recordings[id]
	if !ok {
		return apperrors.NotFound("recording not found")
	}
	return rec.MarkClear()
}

func (s *Memory) MarkFailed(_ context.Context, id bson.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recordings[id]
	if !ok {
		return apperrors.NotFound("recording not found")
	}
	return rec.MarkFailed()
}

func (s *Memory) Requeue(_ context.Context, id bson.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recordings[id]
	if !ok {
		return apperrors.NotFound("recording not found")
	}
	rec.Status.ObjectDetection = models.StagePending
	return nil
}

func (s *Memory) RequeueStuck(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reset int64
	for _, rec := range s.recordings {
		if rec.Status.ObjectDetection != models.StageProcessing {
			continue
		}
		if rec.Status.TaskStart == nil || rec.Status.TaskStart.After(cutoff) {
			continue
		}
		rec.Status.ObjectDetection = models.StagePending
		reset++
	}
	return reset, nil
}

func (s *Memory) RecentDetections(_ context.Context, before *bson.ObjectID) ([]*models.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.sortedIDs()
	var recs []*models.Recording
	for i := len(ids) - 1; i >= 0 && len(recs) < RecentPageSize; i-- {
		rec := s.recordings[ids[i]]
		if !rec.ObjectDetected {
			continue
		}
		if before != nil && bytesCompare(ids[i], *before) >= 0 {
			continue
		}
		copied := *rec
		copied.Thumbnail = ""
		copied.RawDetections = nil
		recs = append(recs, &copied)
	}
	return recs, nil
}

// --- NotificationTokenStore ---

func (s *Memory) ListEnabled(_ context.Context) ([]models.NotificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var enabled []models.NotificationToken
	for _, token := range s.push {
		if token.Enabled {
			enabled = append(enabled, token)
		}
	}
	return enabled, nil
}

// sortedIDs returns all recording IDs in ascending order. Caller holds the lock.
func (s *Memory) sortedIDs() []bson.ObjectID {
	ids := make([]bson.ObjectID, 0, len(s.recordings))
	for id := range s.recordings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytesCompare(ids[i], ids[j]) < 0
	})
	return ids
}

func bytesCompare(a, b bson.ObjectID) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}
