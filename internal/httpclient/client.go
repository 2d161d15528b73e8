// Package httpclient talks to a gesture model served over plain HTTP.
//
// The image is posted as a multipart "file" part and the model answers with
// JSON rankings:
//
//	{"handedness": [{"category_name": "Right", "score": 0.97}],
//	 "gestures":   [{"category_name": "Thumb_Up", "score": 0.88}]}
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/example/gesture-api/internal/logging"
	"github.com/example/gesture-api/internal/recognizer"
)

// maxResponseBytes bounds how much of the model's answer is decoded.
const maxResponseBytes = 1 << 20

// Client implements recognizer.Recognizer against an HTTP inference endpoint.
type Client struct {
	url    string
	http   *http.Client
	logger *zap.Logger
}

// New builds a client posting to url. The timeout applies to the whole
// exchange, upload included.
func New(url string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		url:    url,
		http:   &http.Client{Timeout: timeout},
		logger: logger.Named("http_recognizer"),
	}
}

var _ recognizer.Recognizer = (*Client)(nil)

// Recognize uploads the image at path. A 404 from the model or empty rankings
// mean nothing was recognized.
func (c *Client) Recognize(ctx context.Context, path string) (*recognizer.Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, logging.NewOperationError("httpclient.open_image", "", err)
	}
	defer file.Close()

	body, pipeWriter := io.Pipe()
	form := multipart.NewWriter(pipeWriter)
	go func() {
		part, err := form.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, file)
		}
		if err == nil {
			err = form.Close()
		}
		pipeWriter.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		body.Close()
		return nil, logging.NewOperationError("httpclient.build_request", "", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		body.Close()
		wrapped := logging.NewOperationError("httpclient.recognize", "", err)
		c.logger.Error("gesture recognizer request failed", zap.Error(wrapped), zap.String("url", c.url))
		return nil, wrapped
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		wrapped := logging.NewOperationError("httpclient.recognize", "", fmt.Errorf("recognizer responded with status %d", resp.StatusCode))
		c.logger.Error("gesture recognizer rejected image", zap.Error(wrapped), zap.Int("status", resp.StatusCode))
		return nil, wrapped
	}

	var result recognizer.Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&result); err != nil {
		return nil, logging.NewOperationError("httpclient.decode_response", "", err)
	}
	if result.Empty() {
		return nil, nil
	}
	return &result, nil
}
