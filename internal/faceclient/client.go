package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// FaceQuality is the service's assessment of the capture itself.
type FaceQuality struct {
	Score     float64 `json:"score"`
	Blur      float64 `json:"blur"`
	IsFrontal bool    `json:"is_frontal"`
}

// VerifyResult is the outcome of comparing a capture with one enrolled student.
type VerifyResult struct {
	UserID     string       `json:"user_id"`
	Verified   bool         `json:"verified"`
	Similarity float64      `json:"similarity"`
	Threshold  float64      `json:"threshold"`
	Quality    *FaceQuality `json:"quality"`
}

// LivenessResult reports whether the capture shows a live person.
type LivenessResult struct {
	IsLive     bool    `json:"is_live"`
	Confidence float64 `json:"confidence"`
}

// StatusError is a non-2xx answer from the face service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("face service error %d: %s", e.Code, e.Body)
}

// ClientError reports whether the service refused the request itself
// (no face in image, user not enrolled) rather than failing.
func (e *StatusError) ClientError() bool {
	return e.Code >= 400 && e.Code < 500
}

// Client talks to the face matching service over JSON/HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with configurable timeout. With skip set every call
// succeeds with canned results, for development without the service.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Skip:    skip,
		HTTP:    &http.Client{Timeout: 20 * time.Second},
	}
}

// Verify scores imageURL against the reference enrolled for userID.
func (c *Client) Verify(ctx context.Context, userID, imageURL string) (*VerifyResult, error) {
	if c.Skip {
		return &VerifyResult{UserID: userID, Verified: true, Similarity: 1, Threshold: 0.6}, nil
	}
	var out VerifyResult
	err := c.post(ctx, "/verify", map[string]string{
		"user_id":   userID,
		"image_url": imageURL,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Liveness runs the anti-spoofing check on imageURL.
func (c *Client) Liveness(ctx context.Context, imageURL string) (*LivenessResult, error) {
	if c.Skip {
		return &LivenessResult{IsLive: true, Confidence: 1}, nil
	}
	var out LivenessResult
	if err := c.post(ctx, "/liveness", map[string]string{"image_url": imageURL}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health pings the service.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service health: %s", resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(bodyBytes))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
