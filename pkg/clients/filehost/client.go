// Package filehost is the processor-side client for the file host's signed
// API: registering processed recordings and uploading their media under
// single-use authorization tokens.
package filehost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/unusualbob/Unifi-Video-Detection/pkg/auth"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/clients"
	apperrors "github.com/unusualbob/Unifi-Video-Detection/pkg/errors"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/logging"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/models"
)

// Client issues signed requests to the file host.
type Client struct {
	baseURL  string
	signer   *auth.SigningContext
	http     *http.Client
	executor failsafe.Executor[*http.Response]
	logger   logging.Logger
}

// New builds a client for the file host at baseURL, signing every request
// with the given context.
func New(baseURL string, signer *auth.SigningContext, logger logging.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		signer:   signer,
		http:     &http.Client{Timeout: 10 * time.Minute},
		executor: clients.NewHTTPExecutor(clients.DefaultHTTPExecutorConfig()),
		logger:   logger,
	}
}

// CreateRecording registers a processed recording with the file host and
// returns the single-use token authorizing the media upload.
func (c *Client) CreateRecording(ctx context.Context, rec *models.Recording) (string, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	reqURL := c.baseURL + "/recordings/create"

	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		// Fresh headers per attempt: each retry needs a new time token.
		headers, err := c.signer.Headers(reqURL, string(body), false)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return c.http.Do(req)
	})
	if err != nil {
		return "", apperrors.TransferFailure("registering recording with file host", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", apperrors.TransferFailure(
			fmt.Sprintf("file host returned %d registering recording", resp.StatusCode), nil)
	}

	var out struct {
		AuthToken string `json:"authToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperrors.TransferFailure("decoding file host response", err)
	}
	if out.AuthToken == "" {
		return "", apperrors.TransferFailure("file host returned no auth token", nil)
	}
	return out.AuthToken, nil
}

// UploadRecording streams a processed media file to the file host, authorized
// by the single-use token issued at registration.
func (c *Client) UploadRecording(ctx context.Context, id, filePath, token string) error {
	reqURL := fmt.Sprintf("%s/recordings/%s/upload", c.baseURL, id)

	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		file, err := os.Open(filePath)
		if err != nil {
			return nil, err
		}

		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		part, err := writer.CreateFormFile("video", filepath.Base(filePath))
		if err != nil {
			file.Close()
			return nil, err
		}
		if _, err := io.Copy(part, file); err != nil {
			file.Close()
			return nil, err
		}
		file.Close()
		if err := writer.Close(); err != nil {
			return nil, err
		}

		headers, err := c.signer.Headers(reqURL, token, true)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return c.http.Do(req)
	})
	if err != nil {
		return apperrors.TransferFailure("uploading recording to file host", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return apperrors.TransferFailure(
			fmt.Sprintf("file host returned %d for upload", resp.StatusCode), nil)
	}
	return nil
}
