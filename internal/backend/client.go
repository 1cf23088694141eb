// Package backend talks to the recruitment backend that issues tests and
// records results.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/recrutea/proctor-backend/internal/metrics"
	"github.com/recrutea/proctor-backend/internal/model"
)

// ErrNoQuestions is returned when /generate-test answers with an empty test.
var ErrNoQuestions = errors.New("backend returned a test without questions")

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4 << 10

// RejectionError is a 403 from /generate-test: the candidate may not start
// the test again.
type RejectionError struct {
	Message string
	Status  string
	Score   *float64
}

func (e *RejectionError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("test refused by backend (%s): %s", e.Status, e.Message)
	}
	return "test refused by backend: " + e.Message
}

// Screen maps the rejection to the outcome screen shown to the candidate.
func (e *RejectionError) Screen() model.Screen {
	if e.Status == model.BackendStatusDisqualified {
		return model.ScreenDisqualified
	}
	return model.ScreenAlreadyCompleted
}

// Client is the HTTP client of the recruitment backend.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	beaconTimeout time.Duration
	log           zerolog.Logger
}

// NewClient creates a Client. timeout bounds awaited calls, beaconTimeout
// bounds fire-and-forget beacons.
func NewClient(baseURL string, timeout, beaconTimeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: timeout},
		beaconTimeout: beaconTimeout,
		log:           log.With().Str("component", "backend_client").Logger(),
	}
}

// GenerateTest asks the backend for a candidate's questions. A 403 is
// returned as *RejectionError.
func (c *Client) GenerateTest(ctx context.Context, candidateID, offerID string) ([]model.Question, error) {
	resp, err := c.post(ctx, "/generate-test", model.GenerateTestRequest{
		CandidateID: candidateID,
		OfferID:     offerID,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		rej := decodeRejection(resp.Body)
		return nil, &RejectionError{Message: rej.Error, Status: rej.Status, Score: rej.Score}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, statusError("/generate-test", resp)
	}

	var out model.GenerateTestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode /generate-test response: %w", err)
	}
	if len(out.Questions) == 0 {
		return nil, ErrNoQuestions
	}
	return out.Questions, nil
}

// StoreScore delivers a terminal submission and waits for the backend to
// acknowledge it. A 403 wraps model.ErrAlreadyTaken.
func (c *Client) StoreScore(ctx context.Context, sub model.ScoreSubmission) error {
	resp, err := c.post(ctx, "/store-score", sub)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		rej := decodeRejection(resp.Body)
		return fmt.Errorf("%w: %s", model.ErrAlreadyTaken, rej.Error)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return statusError("/store-score", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Beacon sends a submission without waiting for it. Delivery is advisory:
// failures are only logged.
func (c *Client) Beacon(sub model.ScoreSubmission) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.beaconTimeout)
		defer cancel()

		if err := c.StoreScore(ctx, sub); err != nil {
			c.log.Warn().
				Err(err).
				Str("candidate_id", sub.CandidateID).
				Str("offer_id", sub.OfferID).
				Str("status", sub.Status).
				Msg("Beacon delivery failed")
		}
	}()
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.BackendLatency.WithLabelValues(path).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", path, err)
	}
	return resp, nil
}

func decodeRejection(r io.Reader) model.BackendRejection {
	var rej model.BackendRejection
	_ = json.NewDecoder(io.LimitReader(r, maxErrorBody)).Decode(&rej)
	if rej.Error == "" {
		rej.Error = "forbidden"
	}
	return rej
}

func statusError(path string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, bytes.TrimSpace(body))
}
