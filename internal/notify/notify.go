// Package notify pushes detection alerts to registered devices through an
// FCM-compatible HTTP gateway. Tokens are managed out of band; only enabled
// ones receive messages.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/unusualbob/Unifi-Video-Detection/internal/store"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/clients"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/logging"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/models"
)

// Notifier delivers a detection alert for a recording.
type Notifier interface {
	Send(ctx context.Context, rec *models.Recording) error
}

// Noop drops all notifications. Used when no gateway is configured.
type Noop struct{}

func (Noop) Send(context.Context, *models.Recording) error { return nil }

// message is the per-device push payload.
type message struct {
	Notification notification   `json:"notification"`
	Data         map[string]any `json:"data"`
	Android      android        `json:"android"`
	Token        string         `json:"token"`
}

type notification struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

type android struct {
	Priority     string `json:"priority"`
	Notification struct {
		ClickAction string `json:"click_action"`
	} `json:"notification"`
}

// Push sends one message per enabled device token.
type Push struct {
	gatewayURL string
	serverKey  string
	tokens     store.NotificationTokenStore
	http       *http.Client
	executor   failsafe.Executor[*http.Response]
	logger     logging.Logger
}

// NewPush builds a push notifier against the given gateway endpoint.
func NewPush(gatewayURL, serverKey string, tokens store.NotificationTokenStore, logger logging.Logger) *Push {
	return &Push{
		gatewayURL: gatewayURL,
		serverKey:  serverKey,
		tokens:     tokens,
		http:       &http.Client{Timeout: 30 * time.Second},
		executor:   clients.NewHTTPExecutor(clients.DefaultHTTPExecutorConfig()),
		logger:     logger,
	}
}

// Send pushes the recording's top detection to every enabled device. Per-device
// failures are logged and skipped so one dead token cannot block the rest.
func (p *Push) Send(ctx context.Context, rec *models.Recording) error {
	tokens, err := p.tokens.ListEnabled(ctx)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		p.logger.Info("No device tokens found, unable to send notification")
		return nil
	}

	external := rec.External()
	body := "New Security Event"
	if len(external.Detections) > 0 {
		body = "Detected: " + external.Detections[0].Classification
	}
	payload, err := json.Marshal(external)
	if err != nil {
		return err
	}

	for _, token := range tokens {
		msg := message{
			Notification: notification{Title: "New Security Event", Body: body},
			Data:         map[string]any{"payload": string(payload)},
			Token:        token.Token,
		}
		msg.Android.Priority = "high"
		msg.Android.Notification.ClickAction = ".VideoPlayerActivity"

		if err := p.push(ctx, msg); err != nil {
			p.logger.WithFields(logging.Fields{
				"recording_id": external.ID,
				"error":        err.Error(),
			}).Warn("Failed to push notification to device")
		}
	}
	return nil
}

func (p *Push) push(ctx context.Context, msg message) error {
	encoded, err := json.Marshal(map[string]any{"message": msg})
	if err != nil {
		return err
	}

	resp, err := clients.ExecuteHTTP(ctx, p.executor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.gatewayURL, bytes.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.serverKey)
		return p.http.Do(req)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push gateway returned %d", resp.StatusCode)
	}
	return nil
}
