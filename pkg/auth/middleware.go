package auth

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	apperrors "github.com/unusualbob/Unifi-Video-Detection/pkg/errors"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/logging"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/models"
)

// Signed-request header names.
const (
	HeaderIdentity    = "x-identity"
	HeaderSignature   = "x-signature"
	HeaderTime        = "x-time"
	HeaderOneTimeAuth = "x-oneTimeAuth"
)

// noBodySentinel stands in for an absent request body in the signed payload,
// keeping "no body" distinguishable from an empty body.
const noBodySentinel = "null"

// AccessChecker validates that an identity holds an access level.
type AccessChecker interface {
	CheckAccess(ctx context.Context, publicKey string, level models.AccessLevel) error
}

// TokenRedeemer atomically burns a one-time authorization token.
type TokenRedeemer interface {
	Redeem(ctx context.Context, token string) (*models.OneTimeAuth, error)
}

// Verifier validates inbound signed requests against the credential registry,
// the one-time auth store and the replay guard.
type Verifier struct {
	Keys   AccessChecker
	Tokens TokenRedeemer
	Replay ReplayGuard
	// PublicHost is this host's scheme+host as callers sign it,
	// e.g. "https://files.example.com".
	PublicHost string
	// Failures counts rejected signed requests. Optional; nil disables collection.
	Failures prometheus.Counter
	Logger   logging.Logger
}

// RequireSignature returns middleware enforcing the signature protocol for
// the given access level. Clients get a generic 401; the concrete failure
// reason only reaches the logs.
func (v *Verifier) RequireSignature(level models.AccessLevel) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := v.verify(c, level); err != nil {
			v.Logger.WithFields(logging.Fields{
				"path":      c.Request.URL.Path,
				"client_ip": c.ClientIP(),
				"reason":    err.Error(),
			}).Warn("Rejected signed request")
			if v.Failures != nil {
				v.Failures.Inc()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

func (v *Verifier) verify(c *gin.Context, level models.AccessLevel) error {
	identity := c.GetHeader(HeaderIdentity)
	signature := c.GetHeader(HeaderSignature)
	timeHeader := c.GetHeader(HeaderTime)

	if identity == "" || signature == "" || timeHeader == "" {
		return apperrors.Unauthorized("identity, signature or time header missing")
	}

	if err := v.Keys.CheckAccess(c.Request.Context(), identity, level); err != nil {
		return err
	}

	url := v.PublicHost + c.Request.URL.Path
	url = strings.TrimSuffix(url, "/")

	var payload string
	if token := c.GetHeader(HeaderOneTimeAuth); token != "" {
		ota, err := v.Tokens.Redeem(c.Request.Context(), token)
		if err != nil {
			return err
		}
		// The token is burned regardless of the outcome below.
		if ota.PathRestriction != "" && !strings.HasPrefix(c.Request.URL.Path, ota.PathRestriction) {
			return apperrors.Unauthorized("one-time auth token restricted to path " + ota.PathRestriction)
		}
		payload = timeHeader + url + token
	} else {
		body, err := v.readBody(c)
		if err != nil {
			return apperrors.Unauthorized("unable to read request body")
		}
		payload = timeHeader + url + body
	}

	timeValue, err := strconv.ParseInt(timeHeader, 10, 64)
	if err != nil {
		return apperrors.Unauthorized("time header is not an integer")
	}
	if last, ok := v.Replay.Last(identity); ok && last >= timeValue {
		return apperrors.Unauthorized("invalid or repeat time token")
	}

	if !VerifySignature(identity, signature, payload) {
		return apperrors.Unauthorized("invalid signature")
	}

	if !v.Replay.Advance(identity, timeValue) {
		return apperrors.Unauthorized("invalid or repeat time token")
	}

	c.Set("identity", identity)
	return nil
}

// readBody buffers the raw body for signing and restores it for downstream
// handlers. The signature covers the body exactly as transmitted, so it is
// read in full. An absent or empty body becomes the sentinel string.
func (v *Verifier) readBody(c *gin.Context) (string, error) {
	if c.Request.Body == nil {
		return noBodySentinel, nil
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))
	if len(raw) == 0 {
		return noBodySentinel, nil
	}
	return string(raw), nil
}

// RequireLocalhost restricts a route to loopback callers. The processor's
// detection page and operator endpoints are unsigned but never leave the box.
func RequireLocalhost(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			host = c.Request.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			logger.WithField("remote_addr", c.Request.RemoteAddr).Warn("Rejected non-localhost request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "This IP address is not authorized to make this request",
			})
			return
		}
		c.Next()
	}
}
