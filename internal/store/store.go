// Package store defines the document-store operations the system relies on
// and provides two backends: MongoDB for production and an in-memory mirror
// for tests. Atomicity guarantees (single-winner token burn, conditional
// status transitions, one-claimer dispatch) live here, not in callers.
package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/unusualbob/Unifi-Video-Detection/pkg/models"
)

// RecentPageSize is the page size for the recent-detections listing.
const RecentPageSize = 50

// KeyStore is the credential registry: public key to granted access levels.
type KeyStore interface {
	// GrantAccess idempotently adds levels to the key's credential, creating
	// it if absent.
	GrantAccess(ctx context.Context, publicKey string, levels ...models.AccessLevel) error
	// CheckAccess fails with an Unauthorized error when the credential is
	// missing or lacks the level. Side-effect free.
	CheckAccess(ctx context.Context, publicKey string, level models.AccessLevel) error
}

// OneTimeAuthStore issues and burns single-use authorization tokens.
type OneTimeAuthStore interface {
	// Issue generates a high-entropy token, persists it unused and returns it.
	Issue(ctx context.Context, pathRestriction string) (string, error)
	// Redeem atomically finds an unused matching token and marks it used.
	// Exactly one concurrent caller can win; all others get Unauthorized.
	Redeem(ctx context.Context, token string) (*models.OneTimeAuth, error)
}

// RecordingStore persists recording documents and their status transitions.
type RecordingStore interface {
	// Create inserts a recording; a duplicate ID yields a Conflict error.
	Create(ctx context.Context, rec *models.Recording) error
	// Get fetches a recording by catalog ID, NotFound when absent.
	Get(ctx context.Context, id bson.ObjectID) (*models.Recording, error)
	// Save replaces the stored document.
	Save(ctx context.Context, rec *models.Recording) error
	// LatestID returns the newest known catalog ID, ok=false when empty.
	LatestID(ctx context.Context) (bson.ObjectID, bool, error)
	// ClaimOldestPending atomically selects the single oldest recording with
	// object detection pending and flips it to processing, stamping the task
	// start time. Returns nil when nothing is pending.
	ClaimOldestPending(ctx context.Context, now time.Time) (*models.Recording, error)
	// MarkClear transitions processing -> complete with face detection
	// skipped; InvalidStateTransition when the recording is not processing.
	MarkClear(ctx context.Context, id bson.ObjectID) error
	// MarkFailed transitions processing -> pending; InvalidStateTransition
	// when the recording is not processing.
	MarkFailed(ctx context.Context, id bson.ObjectID) error
	// Requeue resets object detection to pending regardless of current state.
	Requeue(ctx context.Context, id bson.ObjectID) error
	// RequeueStuck bulk-resets processing recordings whose task start is at or
	// before the cutoff, returning the number reset.
	RequeueStuck(ctx context.Context, cutoff time.Time) (int64, error)
	// RecentDetections lists recordings with detections, newest first,
	// optionally before a cursor ID, limited to RecentPageSize.
	RecentDetections(ctx context.Context, before *bson.ObjectID) ([]*models.Recording, error)
}

// NotificationTokenStore lists registered push-notification device tokens.
type NotificationTokenStore interface {
	ListEnabled(ctx context.Context) ([]models.NotificationToken, error)
}

// Stores bundles every store the daemon needs.
type Stores struct {
	Keys               KeyStore
	Tokens             OneTimeAuthStore
	Recordings         RecordingStore
	NotificationTokens NotificationTokenStore
}
