package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/studygroup-relay/internal/types"
)

const (
	appendMessagePath = "/internal/messages"
	maxResponseSize   = 1 << 20
)

// ErrStoreUnavailable marks every append failure. Callers treat it as
// retryable by the sender.
var ErrStoreUnavailable = errors.New("message store unavailable")

type AppendMessageParams struct {
	RoomId     string `json:"room_id"`
	AuthorId   string `json:"author_id"`
	AuthorName string `json:"author_name,omitempty"`
	Content    string `json:"content"`
	FileRef    string `json:"file_ref,omitempty"`
}

// MessageStore persists chat messages. The store, not the relay, assigns
// the message id and timestamp, and its reply is passed to peers unchanged.
type MessageStore interface {
	AppendMessage(ctx context.Context, params AppendMessageParams) (types.ChatMessage, error)
}

type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

type HTTPMessageStore struct {
	baseURL    string
	credential string
	client     *http.Client
}

func NewHTTPMessageStore(baseURL, credential string, timeout time.Duration) *HTTPMessageStore {
	return &HTTPMessageStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		credential: credential,
		client:     &http.Client{Timeout: timeout},
	}
}

func (s *HTTPMessageStore) AppendMessage(ctx context.Context, params AppendMessageParams) (types.ChatMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return types.ChatMessage{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+appendMessagePath, bytes.NewReader(body))
	if err != nil {
		return types.ChatMessage{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if s.credential != "" {
		req.Header.Set("Authorization", "Bearer "+s.credential)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return types.ChatMessage{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return types.ChatMessage{}, fmt.Errorf("%w: read response: %v", ErrStoreUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.ChatMessage{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		})
	}

	// the reply is relayed as sent; only the id is required
	var msg types.ChatMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return types.ChatMessage{}, fmt.Errorf("%w: decode response: %v", ErrStoreUnavailable, err)
	}
	if msg.Id == "" {
		return types.ChatMessage{}, fmt.Errorf("%w: response has no message id", ErrStoreUnavailable)
	}

	return msg, nil
}
