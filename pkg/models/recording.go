// Package models holds the persisted document types and the recording
// lifecycle rules shared by the file-host and processor roles.
package models

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	apperrors "github.com/unusualbob/Unifi-Video-Detection/pkg/errors"
)

// StageStatus is the state of one processing axis of a recording.
type StageStatus string

const (
	StageBlocked    StageStatus = "blocked"
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageComplete   StageStatus = "complete"
	StageSkipped    StageStatus = "skipped"
)

// RecordingStatus tracks the three independent processing axes plus the start
// time of the last dispatched detection task, used for stuck-job detection.
type RecordingStatus struct {
	ObjectDetection StageStatus `bson:"objectDetection" json:"objectDetection"`
	FaceDetection   StageStatus `bson:"faceDetection" json:"faceDetection"`
	RemoteUpload    StageStatus `bson:"remoteUpload" json:"remoteUpload"`
	TaskStart       *time.Time  `bson:"taskStart,omitempty" json:"taskStart,omitempty"`
}

// Detection is a ranked per-classification aggregate of raw detections.
type Detection struct {
	Classification string  `bson:"classification" json:"classification"`
	HighestScore   float64 `bson:"highestScore" json:"highestScore"`
	Count          int     `bson:"count" json:"count"`
}

// RawDetection is a single frame-level detection reported by the detector.
type RawDetection struct {
	Classification string  `bson:"classification" json:"classification"`
	Score          float64 `bson:"score" json:"score"`
}

// Recording is the aggregate root for one catalog recording. Its identity is
// the upstream catalog's recording ID, which encodes a creation timestamp.
type Recording struct {
	ID              bson.ObjectID   `bson:"_id" json:"id"`
	Status          RecordingStatus `bson:"status" json:"status"`
	Camera          string          `bson:"camera,omitempty" json:"camera,omitempty"`
	RecordingLength float64         `bson:"recordingLength,omitempty" json:"recordingLength,omitempty"`
	ObjectDetected  bool            `bson:"objectDetected" json:"objectDetected"`
	PersonDetected  bool            `bson:"personDetected" json:"personDetected"`
	FaceDetected    bool            `bson:"faceDetected" json:"faceDetected"`
	Thumbnail       string          `bson:"thumbnail,omitempty" json:"thumbnail,omitempty"`
	Detections      []Detection     `bson:"detections" json:"detections"`
	RawDetections   []RawDetection  `bson:"rawDetections" json:"rawDetections"`
}

// NewRecording creates a pending recording for a catalog ID. Remote upload
// starts blocked; the processor unblocks it after local completion when it is
// not also the file host.
func NewRecording(id bson.ObjectID, camera string) *Recording {
	return &Recording{
		ID:     id,
		Camera: camera,
		Status: RecordingStatus{
			ObjectDetection: StagePending,
			FaceDetection:   StageBlocked,
			RemoteUpload:    StageBlocked,
		},
	}
}

// RecordedAt is the creation time encoded in the catalog ID.
func (r *Recording) RecordedAt() time.Time {
	return r.ID.Timestamp()
}

// BeginProcessing transitions object detection pending -> processing and
// stamps the task start time.
func (r *Recording) BeginProcessing(now time.Time) error {
	if r.Status.ObjectDetection != StagePending {
		return apperrors.InvalidStateTransition(
			fmt.Sprintf("recording not pending, cannot process, status is %s", r.Status.ObjectDetection))
	}
	r.Status.ObjectDetection = StageProcessing
	r.Status.TaskStart = &now
	return nil
}

// MarkClear records an explicit empty detection result. Only a recording in
// processing may be cleared; face detection is skipped as a side effect.
func (r *Recording) MarkClear() error {
	if r.Status.ObjectDetection != StageProcessing {
		return apperrors.InvalidStateTransition(
			fmt.Sprintf("recording not processing, cannot clear, status is %s", r.Status.ObjectDetection))
	}
	r.Status.ObjectDetection = StageComplete
	r.Status.FaceDetection = StageSkipped
	return nil
}

// MarkFailed returns a recording from processing back to pending after an
// explicit failure report.
func (r *Recording) MarkFailed() error {
	if r.Status.ObjectDetection != StageProcessing {
		return apperrors.InvalidStateTransition(
			fmt.Sprintf("recording not processing, cannot fail, status is %s", r.Status.ObjectDetection))
	}
	r.Status.ObjectDetection = StagePending
	return nil
}

// StoreDetections completes object detection with the reported raw detections
// and recomputes the ranked summary.
func (r *Recording) StoreDetections(raw []RawDetection) {
	r.Status.ObjectDetection = StageComplete
	r.RawDetections = raw
	r.ObjectDetected = len(raw) > 0
	r.RecalculateDetections()
}

// RecalculateDetections rebuilds the ranked summary from the raw detections:
// one group per classification in first-seen order, highest score and
// occurrence count per group, sorted by descending count with stable ties.
func (r *Recording) RecalculateDetections() {
	r.Detections = AggregateDetections(r.RawDetections)
	r.PersonDetected = false
	for _, d := range r.Detections {
		if d.Classification == "person" {
			r.PersonDetected = true
			break
		}
	}
}

// ExternalRecording is the client-facing representation of a recording.
type ExternalRecording struct {
	ID         string      `json:"id"`
	Camera     string      `json:"camera"`
	Detections []Detection `json:"detections"`
	Length     float64     `json:"length"`
	Time       string      `json:"time"`
}

// External returns the representation served to API clients.
func (r *Recording) External() ExternalRecording {
	camera := r.Camera
	if camera == "" {
		camera = "Unknown"
	}
	return ExternalRecording{
		ID:         r.ID.Hex(),
		Camera:     camera,
		Detections: r.Detections,
		Length:     r.RecordingLength,
		Time:       r.RecordedAt().UTC().Format(time.RFC3339),
	}
}
