package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	apperrors "github.com/unusualbob/Unifi-Video-Detection/pkg/errors"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/models"
)

// otaTokenBytes is the entropy of a one-time auth token before hex encoding.
const otaTokenBytes = 48

// Mongo is the MongoDB-backed store set.
type Mongo struct {
	recordings    *mongo.Collection
	keys          *mongo.Collection
	tokens        *mongo.Collection
	notifications *mongo.Collection
}

// NewMongo wires the store against a database handle.
func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{
		recordings:    db.Collection("recordings"),
		keys:          db.Collection("authorizedKeys"),
		tokens:        db.Collection("oneTimeAuths"),
		notifications: db.Collection("notificationTokens"),
	}
}

// EnsureIndexes creates the unique indexes the auth protocol depends on.
func (s *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := s.keys.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "publicKey", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("creating publicKey index: %w", err)
	}
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "token", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("creating token index: %w", err)
	}
	return nil
}

// Stores returns the store bundle backed by this Mongo instance.
func (s *Mongo) Stores() Stores {
	return Stores{
		Keys:               s,
		Tokens:             s,
		Recordings:         s,
		NotificationTokens: s,
	}
}

// --- KeyStore ---

func (s *Mongo) GrantAccess(ctx context.Context, publicKey string, levels ...models.AccessLevel) error {
	for _, level := range levels {
		if !models.ValidAccessLevel(level) {
			return apperrors.InvalidArg(fmt.Sprintf("unknown access level %q", level))
		}
	}
	_, err := s.keys.UpdateOne(ctx,
		bson.M{"publicKey": publicKey},
		bson.M{"$addToSet": bson.M{"access": bson.M{"$each": levels}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("granting access: %w", err)
	}
	return nil
}

func (s *Mongo) CheckAccess(ctx context.Context, publicKey string, level models.AccessLevel) error {
	var key models.AuthorizedKey
	err := s.keys.FindOne(ctx, bson.M{"publicKey": publicKey}).Decode(&key)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return apperrors.Unauthorized("unauthorized key")
	}
	if err != nil {
		return fmt.Errorf("looking up key: %w", err)
	}
	if !key.HasAccess(level) {
		return apperrors.Unauthorized("unauthorized key")
	}
	return nil
}

// --- OneTimeAuthStore ---

func (s *Mongo) Issue(ctx context.Context, pathRestriction string) (string, error) {
	entropy := make([]byte, otaTokenBytes)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token := hex.EncodeToString(entropy)

	doc := models.OneTimeAuth{Token: token, PathRestriction: pathRestriction}
	if _, err := s.tokens.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("persisting token: %w", err)
	}
	return token, nil
}

func (s *Mongo) Redeem(ctx context.Context, token string) (*models.OneTimeAuth, error) {
	// The conditional update is the single-use guarantee: only one caller can
	// move the token from unused to used.
	var ota models.OneTimeAuth
	err := s.tokens.FindOneAndUpdate(ctx,
		bson.M{"token": token, "used": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"used": time.Now()}},
	).Decode(&ota)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.Unauthorized("invalid one time auth token")
	}
	if err != nil {
		return nil, fmt.Errorf("redeeming token: %w", err)
	}
	return &ota, nil
}

// --- RecordingStore ---

func (s *Mongo) Create(ctx context.Context, rec *models.Recording) error {
	_, err := s.recordings.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return apperrors.Conflict("recording already exists")
	}
	if err != nil {
		return fmt.Errorf("inserting recording: %w", err)
	}
	return nil
}

func (s *Mongo) Get(ctx context.Context, id bson.ObjectID) (*models.Recording, error) {
	var rec models.Recording
	err := s.recordings.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.NotFound("recording not found")
	}
	if err != nil {
		return nil, fmt.Errorf("finding recording: %w", err)
	}
	return &rec, nil
}

func (s *Mongo) Save(ctx context.Context, rec *models.Recording) error {
	_, err := s.recordings.ReplaceOne(ctx, bson.M{"_id": rec.ID}, rec)
	if err != nil {
		return fmt.Errorf("saving recording: %w", err)
	}
	return nil
}

func (s *Mongo) LatestID(ctx context.Context) (bson.ObjectID, bool, error) {
	var rec models.Recording
	err := s.recordings.FindOne(ctx,
		bson.M{},
		options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}}).SetProjection(bson.M{"_id": 1}),
	).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return bson.ObjectID{}, false, nil
	}
	if err != nil {
		return bson.ObjectID{}, false, fmt.Errorf("finding latest recording: %w", err)
	}
	return rec.ID, true, nil
}

func (s *Mongo) ClaimOldestPending(ctx context.Context, now time.Time) (*models.Recording, error) {
	var rec models.Recording
	err := s.recordings.FindOneAndUpdate(ctx,
		bson.M{"status.objectDetection": models.StagePending},
		bson.M{"$set": bson.M{
			"status.objectDetection": models.StageProcessing,
			"status.taskStart":       now,
		}},
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "_id", Value: 1}}).
			SetReturnDocument(options.After),
	).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming pending recording: %w", err)
	}
	return &rec, nil
}

func (s *Mongo) MarkClear(ctx context.Context, id bson.ObjectID) error {
	return s.transition(ctx, id, bson.M{
		"status.objectDetection": models.StageComplete,
		"status.faceDetection":   models.StageSkipped,
	}, "cannot clear")
}

func (s *Mongo) MarkFailed(ctx context.Context, id bson.ObjectID) error {
	return s.transition(ctx, id, bson.M{
		"status.objectDetection": models.StagePending,
	}, "cannot fail")
}

// transition conditionally updates a recording currently in processing. A
// missing match is disambiguated into NotFound vs InvalidStateTransition.
func (s *Mongo) transition(ctx context.Context, id bson.ObjectID, set bson.M, action string) error {
	err := s.recordings.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status.objectDetection": models.StageProcessing},
		bson.M{"$set": set},
	).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		rec, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		return apperrors.InvalidStateTransition(
			fmt.Sprintf("recording not processing, %s, status is %s", action, rec.Status.ObjectDetection))
	}
	if err != nil {
		return fmt.Errorf("updating recording status: %w", err)
	}
	return nil
}

func (s *Mongo) Requeue(ctx context.Context, id bson.ObjectID) error {
	res, err := s.recordings.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status.objectDetection": models.StagePending}},
	)
	if err != nil {
		return fmt.Errorf("requeueing recording: %w", err)
	}
	if res.MatchedCount == 0 {
		return apperrors.NotFound("recording not found")
	}
	return nil
}

func (s *Mongo) RequeueStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.recordings.UpdateMany(ctx,
		bson.M{
			"status.objectDetection": models.StageProcessing,
			"status.taskStart":       bson.M{"$lte": cutoff},
		},
		bson.M{"$set": bson.M{"status.objectDetection": models.StagePending}},
	)
	if err != nil {
		return 0, fmt.Errorf("requeueing stuck recordings: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *Mongo) RecentDetections(ctx context.Context, before *bson.ObjectID) ([]*models.Recording, error) {
	filter := bson.M{"objectDetected": true}
	if before != nil {
		filter["_id"] = bson.M{"$lt": *before}
	}

	cursor, err := s.recordings.Find(ctx, filter,
		options.Find().
			SetSort(bson.D{{Key: "_id", Value: -1}}).
			SetLimit(RecentPageSize).
			SetProjection(bson.M{
				"_id":             1,
				"camera":          1,
				"recordingLength": 1,
				"detections":      1,
			}),
	)
	if err != nil {
		return nil, fmt.Errorf("listing recent detections: %w", err)
	}

	var recs []*models.Recording
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("decoding recent detections: %w", err)
	}
	return recs, nil
}

// --- NotificationTokenStore ---

func (s *Mongo) ListEnabled(ctx context.Context) ([]models.NotificationToken, error) {
	cursor, err := s.notifications.Find(ctx, bson.M{"enabled": true})
	if err != nil {
		return nil, fmt.Errorf("listing notification tokens: %w", err)
	}
	var tokens []models.NotificationToken
	if err := cursor.All(ctx, &tokens); err != nil {
		return nil, fmt.Errorf("decoding notification tokens: %w", err)
	}
	return tokens, nil
}
