// Package recordings implements the recording lifecycle: completing detection
// tasks, operator-driven state corrections, cross-host transfer of processed
// media and upload conflict handling on the file host side.
package recordings

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"math"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/unusualbob/Unifi-Video-Detection/internal/media"
	"github.com/unusualbob/Unifi-Video-Detection/internal/messenger"
	"github.com/unusualbob/Unifi-Video-Detection/internal/notify"
	"github.com/unusualbob/Unifi-Video-Detection/internal/nvr"
	"github.com/unusualbob/Unifi-Video-Detection/internal/store"
	apperrors "github.com/unusualbob/Unifi-Video-Detection/pkg/errors"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/logging"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/models"
)

// notifyWindow bounds how old a recording may be and still trigger a push;
// backfilled history must not page anyone.
const notifyWindow = 12 * time.Hour

// Catalog is the upstream recording catalog the service pulls metadata and
// raw media from.
type Catalog interface {
	GetRecording(ctx context.Context, id string) (*nvr.RecordingMeta, error)
	StreamRecording(ctx context.Context, id string) (io.ReadCloser, error)
}

// FileHost registers and receives processed recordings on the remote host.
type FileHost interface {
	CreateRecording(ctx context.Context, rec *models.Recording) (string, error)
	UploadRecording(ctx context.Context, id, filePath, token string) error
}

// Service glues the recording stores, the codec tooling and the remote hosts
// together. FileHost is nil when this host stores its own media; Catalog is
// nil on a pure file host.
type Service struct {
	Recordings store.RecordingStore
	Media      *media.Processor
	Messenger  *messenger.Messenger
	Catalog    Catalog
	FileHost   FileHost
	Notifier   notify.Notifier
	Logger     logging.Logger
}

// StoreProcessed finalizes a detection task: persists the detection report,
// transcodes the detector's media, derives length and thumbnail, wakes the
// dispatcher, then hands the result to the file host and notifies devices.
func (s *Service) StoreProcessed(ctx context.Context, id bson.ObjectID, src io.Reader, report models.DetectionReport) error {
	rec, err := s.Recordings.Get(ctx, id)
	if err != nil {
		return err
	}

	hexID := id.Hex()
	if err := s.Media.Transcode(ctx, hexID, src); err != nil {
		return err
	}

	frameCount, err := s.Media.FrameCount(ctx, hexID)
	if err != nil {
		return err
	}
	rec.RecordingLength = math.Round(float64(frameCount)/media.FramesPerSecond*10) / 10

	thumb, err := s.Media.Thumbnail(ctx, hexID, frameCount)
	if err != nil {
		return err
	}
	rec.Thumbnail = base64.StdEncoding.EncodeToString(thumb)

	rec.StoreDetections(report.Flatten())
	if err := s.Recordings.Save(ctx, rec); err != nil {
		return err
	}

	s.Logger.WithField("recording_id", hexID).Info("Object detections processed")
	s.Messenger.Publish(hexID, messenger.OutcomeComplete)

	if s.FileHost != nil {
		if err := s.transfer(ctx, rec); err != nil {
			// The recording stays remoteUpload=pending; an operator requeue or
			// a future sweep can retry. Detection results are already safe.
			s.Logger.WithFields(logging.Fields{
				"recording_id": hexID,
				"error":        err.Error(),
			}).Error("Failed to transfer recording to file host")
		}
	}

	if rec.ObjectDetected && time.Since(rec.RecordedAt()) < notifyWindow {
		if err := s.Notifier.Send(ctx, rec); err != nil {
			s.Logger.WithField("error", err.Error()).Warn("Failed to send notifications")
		}
	}
	return nil
}

// transfer registers the recording remotely and uploads its media.
func (s *Service) transfer(ctx context.Context, rec *models.Recording) error {
	rec.Status.RemoteUpload = models.StagePending
	if err := s.Recordings.Save(ctx, rec); err != nil {
		return err
	}

	token, err := s.FileHost.CreateRecording(ctx, rec)
	if err != nil {
		return err
	}

	hexID := rec.ID.Hex()
	if err := s.FileHost.UploadRecording(ctx, hexID, s.Media.OutputFile(hexID), token); err != nil {
		return err
	}

	rec.Status.RemoteUpload = models.StageComplete
	return s.Recordings.Save(ctx, rec)
}

// Clear records an explicit no-detections result and wakes the dispatcher.
func (s *Service) Clear(ctx context.Context, id bson.ObjectID) error {
	if err := s.Recordings.MarkClear(ctx, id); err != nil {
		return err
	}
	s.Logger.WithField("recording_id", id.Hex()).Info("No object detections")
	s.Messenger.Publish(id.Hex(), messenger.OutcomeCleared)
	return nil
}

// Fail returns a recording to the queue after a reported detection failure.
func (s *Service) Fail(ctx context.Context, id bson.ObjectID) error {
	if err := s.Recordings.MarkFailed(ctx, id); err != nil {
		return err
	}
	s.Logger.WithField("recording_id", id.Hex()).Info("Failed to process recording")
	s.Messenger.Publish(id.Hex(), messenger.OutcomeFailed)
	return nil
}

// Requeue resets an existing recording's object detection to pending.
func (s *Service) Requeue(ctx context.Context, id bson.ObjectID) error {
	return s.Recordings.Requeue(ctx, id)
}

// CreateOrRequeue requeues a known recording, or pulls its metadata from the
// catalog and creates it when unknown.
func (s *Service) CreateOrRequeue(ctx context.Context, id bson.ObjectID) error {
	err := s.Recordings.Requeue(ctx, id)
	if err == nil {
		return nil
	}
	if !apperrors.Is(err, apperrors.CodeNotFound) {
		return err
	}
	if s.Catalog == nil {
		return err
	}

	meta, err := s.Catalog.GetRecording(ctx, id.Hex())
	if err != nil {
		return err
	}
	s.Logger.WithField("recording_id", id.Hex()).Info("Creating recording")
	return s.Recordings.Create(ctx, models.NewRecording(id, meta.Camera))
}

// StreamRaw opens the recording's unprocessed media from the catalog.
func (s *Service) StreamRaw(ctx context.Context, id bson.ObjectID) (io.ReadCloser, error) {
	if s.Catalog == nil {
		return nil, apperrors.Internal("no upstream catalog configured")
	}
	return s.Catalog.StreamRecording(ctx, id.Hex())
}

// StoreUpload writes processed media received from a remote processor. A
// larger or identical existing file wins silently; a smaller existing file
// must be a prefix of the new data (a resumed interrupted upload) or the
// write is refused.
func (s *Service) StoreUpload(ctx context.Context, id bson.ObjectID, data []byte) error {
	if _, err := s.Recordings.Get(ctx, id); err != nil {
		return err
	}

	filePath := s.Media.OutputFile(id.Hex())
	existing, err := os.ReadFile(filePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if err == nil {
		if len(existing) >= len(data) {
			return nil
		}
		prefixLen := int(float64(len(existing)) * 0.8)
		if !bytes.Equal(data[:prefixLen], existing[:prefixLen]) {
			s.Logger.WithField("recording_id", id.Hex()).Error("Aborting upload due to file mismatch")
			return apperrors.Conflict("upload attempted of different file than currently exists")
		}
	}
	return os.WriteFile(filePath, data, 0o644)
}
