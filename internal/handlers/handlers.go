// Package handlers exposes the HTTP surface: the signed file-host API serving
// processed recordings to remote clients, and the localhost-only processor
// endpoints the detection page reports back to.
package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"html/template"
	"io"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/unusualbob/Unifi-Video-Detection/internal/media"
	"github.com/unusualbob/Unifi-Video-Detection/internal/notify"
	"github.com/unusualbob/Unifi-Video-Detection/internal/recordings"
	"github.com/unusualbob/Unifi-Video-Detection/internal/store"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/auth"
	apperrors "github.com/unusualbob/Unifi-Video-Detection/pkg/errors"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/logging"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/models"
)

// webmMagic is the EBML header every webm file starts with.
var webmMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

// maxUploadBytes bounds multipart media uploads read into memory.
const maxUploadBytes = 256 << 20

// Handlers wires the HTTP routes to the recording service and stores.
type Handlers struct {
	Service    *recordings.Service
	Recordings store.RecordingStore
	Tokens     store.OneTimeAuthStore
	Notifier   notify.Notifier
	Media      *media.Processor
	Verifier   *auth.Verifier
	Logger     logging.Logger
}

// RegisterFileHostRoutes mounts the signed external API.
func (h *Handlers) RegisterFileHostRoutes(router *gin.Engine) {
	read := h.Verifier.RequireSignature(models.AccessRead)
	write := h.Verifier.RequireSignature(models.AccessWrite)

	router.GET("/recordings", read, h.listRecordings)
	router.GET("/recordings/:id", read, h.streamProcessed)
	router.GET("/recordings/:id/thumbnail.jpg", read, h.thumbnail)
	router.POST("/recordings/create", write, h.createRecording)
	router.POST("/recordings/:id/upload", write, h.uploadRecording)
}

// RegisterProcessorRoutes mounts the localhost endpoints used by the
// detection page and operators.
func (h *Handlers) RegisterProcessorRoutes(router *gin.Engine) {
	local := auth.RequireLocalhost(h.Logger)

	router.GET("/recordings/process/:id", local, h.processPage)
	router.GET("/recordings/raw/:id", local, h.streamRaw)
	router.POST("/recordings/processed/:id", local, h.storeProcessed)
	router.POST("/recordings/:id/clear", local, h.clearRecording)
	router.POST("/recordings/:id/failed", local, h.failRecording)
	router.GET("/recordings/request/:id", local, h.requestRecording)
	router.GET("/recordings/requeue/:id", local, h.requeueRecording)
	router.GET("/recordings/:id/notify", local, h.notifyRecording)

	router.StaticFS("/js", http.FS(scriptFS()))
}

func (h *Handlers) listRecordings(c *gin.Context) {
	var before *bson.ObjectID
	if cursor := c.Query("before"); cursor != "" {
		id, err := bson.ObjectIDFromHex(cursor)
		if err != nil {
			h.respondError(c, apperrors.InvalidArg("before cursor is not a valid recording id"))
			return
		}
		before = &id
	}

	recs, err := h.Recordings.RecentDetections(c.Request.Context(), before)
	if err != nil {
		h.respondError(c, err)
		return
	}

	events := make([]models.ExternalRecording, 0, len(recs))
	for _, rec := range recs {
		events = append(events, rec.External())
	}
	c.JSON(http.StatusOK, gin.H{"securityEvents": events})
}

func (h *Handlers) streamProcessed(c *gin.Context) {
	id, ok := h.recordingID(c)
	if !ok {
		return
	}
	if _, err := h.Recordings.Get(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}

	path := h.Media.OutputFile(id.Hex())
	if _, err := os.Stat(path); err != nil {
		h.respondError(c, apperrors.NotFound("recording media not available"))
		return
	}
	c.File(path)
}

func (h *Handlers) thumbnail(c *gin.Context) {
	id, ok := h.recordingID(c)
	if !ok {
		return
	}
	rec, err := h.Recordings.Get(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if rec.Thumbnail == "" {
		h.respondError(c, apperrors.NotFound("recording has no thumbnail"))
		return
	}

	image, err := base64.StdEncoding.DecodeString(rec.Thumbnail)
	if err != nil {
		h.respondError(c, apperrors.Internal("stored thumbnail is corrupt"))
		return
	}
	c.Data(http.StatusOK, "image/jpeg", image)
}

func (h *Handlers) createRecording(c *gin.Context) {
	var rec models.Recording
	if err := c.ShouldBindJSON(&rec); err != nil {
		h.respondError(c, apperrors.InvalidArg("invalid recording document"))
		return
	}
	if rec.ID.IsZero() {
		h.respondError(c, apperrors.InvalidArg("recording id is required"))
		return
	}

	err := h.Recordings.Create(c.Request.Context(), &rec)
	// A re-created recording is a retried transfer; hand out a fresh upload
	// token instead of failing.
	if err != nil && !apperrors.Is(err, apperrors.CodeConflict) {
		h.respondError(c, err)
		return
	}

	token, err := h.Tokens.Issue(c.Request.Context(), "/recordings/"+rec.ID.Hex()+"/upload")
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authToken": token})
}

func (h *Handlers) uploadRecording(c *gin.Context) {
	id, ok := h.recordingID(c)
	if !ok {
		return
	}
	data, ok := h.formFile(c, "video")
	if !ok {
		return
	}
	if err := h.Service.StoreUpload(c.Request.Context(), id, data); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handlers) processPage(c *gin.Context) {
	id, ok := h.recordingID(c)
	if !ok {
		return
	}
	var page bytes.Buffer
	if err := processTemplate.Execute(&page, map[string]string{"VideoID": id.Hex()}); err != nil {
		h.respondError(c, apperrors.Internal("rendering detection page failed"))
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", page.Bytes())
}

func (h *Handlers) streamRaw(c *gin.Context) {
	id, ok := h.recordingID(c)
	if !ok {
		return
	}
	if _, err := h.Recordings.Get(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}

	stream, err := h.Service.StreamRaw(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer stream.Close()

	c.Header("Content-Type", "video/mp4")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, stream); err != nil {
		h.Logger.WithField("error", err.Error()).Warn("Raw stream interrupted")
	}
}

func (h *Handlers) storeProcessed(c *gin.Context) {
	id, ok := h.recordingID(c)
	if !ok {
		return
	}
	data, ok := h.formFile(c, "video")
	if !ok {
		return
	}
	if len(data) < len(webmMagic) || !bytes.Equal(data[:len(webmMagic)], webmMagic) {
		h.respondError(c, apperrors.InvalidArg("file must be a webm"))
		return
	}

	var report models.DetectionReport
	if err := json.Unmarshal([]byte(c.PostForm("detect")), &report); err != nil {
		h.respondError(c, apperrors.InvalidArg("detect field is not valid JSON"))
		return
	}

	if err := h.Service.StoreProcessed(c.Request.Context(), id, bytes.NewReader(data), report); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handlers) clearRecording(c *gin.Context) {
	h.transition(c, h.Service.Clear)
}

func (h *Handlers) failRecording(c *gin.Context) {
	h.transition(c, h.Service.Fail)
}

func (h *Handlers) requestRecording(c *gin.Context) {
	h.transition(c, h.Service.CreateOrRequeue)
}

func (h *Handlers) requeueRecording(c *gin.Context) {
	h.transition(c, h.Service.Requeue)
}

func (h *Handlers) notifyRecording(c *gin.Context) {
	id, ok := h.recordingID(c)
	if !ok {
		return
	}
	rec, err := h.Recordings.Get(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.Notifier.Send(c.Request.Context(), rec); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "Success"})
}

func (h *Handlers) transition(c *gin.Context, op func(ctx context.Context, id bson.ObjectID) error) {
	id, ok := h.recordingID(c)
	if !ok {
		return
	}
	if err := op(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "Success"})
}

func (h *Handlers) recordingID(c *gin.Context) (bson.ObjectID, bool) {
	id, err := bson.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		h.respondError(c, apperrors.InvalidArg("invalid recording id"))
		return bson.ObjectID{}, false
	}
	return id, true
}

func (h *Handlers) formFile(c *gin.Context, field string) ([]byte, bool) {
	file, err := c.FormFile(field)
	if err != nil {
		h.respondError(c, apperrors.InvalidArg("missing "+field+" file"))
		return nil, false
	}
	f, err := file.Open()
	if err != nil {
		h.respondError(c, apperrors.Internal("opening uploaded file failed"))
		return nil, false
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		h.respondError(c, apperrors.Internal("reading uploaded file failed"))
		return nil, false
	}
	return data, true
}

func (h *Handlers) respondError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.Logger.WithFields(logging.Fields{
			"path":  c.Request.URL.Path,
			"error": err.Error(),
		}).Error("Request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

var processTemplate = template.Must(template.New("process").Parse(processPage))
