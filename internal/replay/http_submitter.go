package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/deskrelay/internal/actionqueue"
)

const maxErrorBody = 64 << 10

// Submitter delivers one queued action to the helpdesk server.
type Submitter interface {
	Submit(ctx context.Context, action actionqueue.Action) error
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, action actionqueue.Action) error

func (f SubmitterFunc) Submit(ctx context.Context, action actionqueue.Action) error {
	return f(ctx, action)
}

// HTTPSubmitter posts actions to {base}/v1/actions/{kind}. It makes a single
// request per call; retry timing belongs to the Replayer.
type HTTPSubmitter struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPSubmitter(baseURL, token string, httpClient *http.Client) *HTTPSubmitter {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPSubmitter{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (s *HTTPSubmitter) Submit(ctx context.Context, action actionqueue.Action) error {
	body := []byte(action.Payload)
	if len(body) == 0 {
		body = []byte("null")
	}
	endpoint := s.baseURL + "/v1/actions/" + url.PathEscape(action.Kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &SubmissionError{ActionID: action.ID, Kind: action.Kind, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", action.ID)
	req.Header.Set("X-Action-Enqueued-At", strconv.FormatInt(action.EnqueuedAt, 10))
	req.Header.Set("X-Correlation-Id", correlationID())
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &SubmissionError{ActionID: action.ID, Kind: action.Kind, Err: err}
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	if errPayload.Message == "" {
		errPayload.Message = strings.TrimSpace(string(payload))
	}
	if errPayload.Message == "" {
		errPayload.Message = http.StatusText(resp.StatusCode)
	}
	return &SubmissionError{
		ActionID:   action.ID,
		Kind:       action.Kind,
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
		RetryAfter: retryAfterFrom(resp.Header),
	}
}

func correlationID() string {
	return fmt.Sprintf("replay_%d", time.Now().UnixNano())
}
