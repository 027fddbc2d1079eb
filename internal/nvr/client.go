// Package nvr talks to the UniFi Video NVR's HTTP API: cookie-based session
// login, listing motion recordings, fetching metadata and streaming downloads.
package nvr

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/unusualbob/Unifi-Video-Detection/pkg/clients"
	apperrors "github.com/unusualbob/Unifi-Video-Detection/pkg/errors"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/logging"
)

// RecordingMeta is the subset of NVR recording metadata the pipeline needs.
type RecordingMeta struct {
	Camera string
	Start  time.Time
	End    time.Time
}

// Client is an authenticated NVR API client. Sessions are cookie based; any
// call that sees a 401 re-authenticates once before giving up.
type Client struct {
	baseURL  string
	email    string
	password string

	http     *http.Client
	executor failsafe.Executor[*http.Response]
	logger   logging.Logger
}

// New builds a client for the NVR at baseURL (scheme and host, no path).
func New(baseURL, email, password string, logger logging.Logger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:  baseURL,
		email:    email,
		password: password,
		http: &http.Client{
			Jar:     jar,
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				// NVR appliances ship self-signed certificates.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		executor: clients.NewHTTPExecutor(clients.DefaultHTTPExecutorConfig()),
		logger:   logger,
	}, nil
}

// Authenticate logs in and stores the session cookie in the client's jar.
func (c *Client) Authenticate(ctx context.Context) error {
	creds, err := json.Marshal(map[string]string{
		"username": c.email,
		"password": c.password,
	})
	if err != nil {
		return err
	}

	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/api/2.0/login", bytes.NewReader(creds))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Referer", c.baseURL+"/login")
		req.Header.Set("Origin", c.baseURL)
		return c.http.Do(req)
	})
	if err != nil {
		return apperrors.UpstreamFailure("nvr login failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return apperrors.UpstreamFailure(
			fmt.Sprintf("nvr login returned %d", resp.StatusCode), nil)
	}
	c.logger.Debug("nvr session established")
	return nil
}

// doAuthed performs a GET against the NVR, re-authenticating once on 401.
// The caller owns the returned response body.
func (c *Client) doAuthed(ctx context.Context, rawURL string) (*http.Response, error) {
	get := func() (*http.Response, error) {
		return clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return nil, err
			}
			return c.http.Do(req)
		})
	}

	resp, err := get()
	if err != nil {
		return nil, apperrors.UpstreamFailure("nvr request failed", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.logger.Info("nvr session expired, re-authenticating")
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
		resp, err = get()
		if err != nil {
			return nil, apperrors.UpstreamFailure("nvr request failed", err)
		}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, apperrors.UpstreamFailure(
			fmt.Sprintf("nvr returned %d for %s", resp.StatusCode, rawURL), nil)
	}
	return resp, nil
}

// FetchRecordingIDs lists motion recording ids starting after since, oldest
// first.
func (c *Client) FetchRecordingIDs(ctx context.Context, since time.Time) ([]string, error) {
	query := url.Values{}
	query.Set("cause", "motionRecording")
	query.Set("startTime", fmt.Sprintf("%d", since.UnixMilli()))
	query.Set("idsOnly", "true")
	query.Set("sort", "asc")

	resp, err := c.doAuthed(ctx, c.baseURL+"/api/2.0/recording?"+query.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Data []string `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, apperrors.UpstreamFailure("decoding nvr recording list", err)
	}
	return body.Data, nil
}

// GetRecording fetches a single recording's metadata.
func (c *Client) GetRecording(ctx context.Context, id string) (*RecordingMeta, error) {
	resp, err := c.doAuthed(ctx, c.baseURL+"/api/2.0/recording/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Data []struct {
			StartTime int64 `json:"startTime"`
			EndTime   int64 `json:"endTime"`
			Meta      struct {
				CameraName string `json:"cameraName"`
			} `json:"meta"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, apperrors.UpstreamFailure("decoding nvr recording", err)
	}
	if len(body.Data) == 0 {
		return nil, apperrors.NotFound("recording " + id + " not found on nvr")
	}

	rec := body.Data[0]
	return &RecordingMeta{
		Camera: rec.Meta.CameraName,
		Start:  time.UnixMilli(rec.StartTime),
		End:    time.UnixMilli(rec.EndTime),
	}, nil
}

// StreamRecording opens the recording's raw video download. The caller must
// close the returned reader.
func (c *Client) StreamRecording(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := c.doAuthed(ctx, c.baseURL+"/api/2.0/recording/"+url.PathEscape(id)+"/download")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
