// Package gateway talks to the external payment provider.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"circulation/internal/models"
)

var (
	ErrRequestFailed   = errors.New("gateway: request failed")
	ErrInvalidResponse = errors.New("gateway: invalid response")
)

// Status is what the provider reports for a transaction. StatusPending means
// the final answer will arrive later through the callback endpoint.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusRefunded  Status = "REFUNDED"
)

// PaymentStatus maps a provider status onto the payment record's status.
func (s Status) PaymentStatus() models.PaymentStatus {
	switch s {
	case StatusCompleted:
		return models.PaymentStatusCompleted
	case StatusCancelled:
		return models.PaymentStatusCancelled
	case StatusRefunded:
		return models.PaymentStatusRefunded
	case StatusPending:
		return models.PaymentStatusPending
	default:
		return models.PaymentStatusFailed
	}
}

type Customer struct {
	MemberID uuid.UUID `json:"member_id"`
	Name     string    `json:"name"`
	Email    string    `json:"email,omitempty"`
}

type Request struct {
	// Reference is our payment id; the provider echoes it in callbacks and
	// uses it as an idempotency key.
	Reference uuid.UUID            `json:"reference"`
	Amount    decimal.Decimal      `json:"amount"`
	Method    models.PaymentMethod `json:"method"`
	Customer  Customer             `json:"customer"`
}

type Result struct {
	TransactionID string `json:"transaction_id"`
	Status        Status `json:"status"`
	Reason        string `json:"reason,omitempty"`
}

type Gateway interface {
	Initiate(ctx context.Context, req Request) (*Result, error)
}

// HTTPGateway posts payment requests to a provider's REST endpoint.
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPGateway builds a client. The caller's context bounds each request;
// the client timeout is only a backstop.
func NewHTTPGateway(baseURL, apiKey string) *HTTPGateway {
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (g *HTTPGateway) Initiate(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.Reference.String())
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		// Keep context errors visible to errors.Is for timeout handling.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrRequestFailed, err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if result.Status == "" {
		return nil, fmt.Errorf("%w: missing status", ErrInvalidResponse)
	}
	return &result, nil
}

// Simulated stands in for a real provider in development. It approves every
// request after Delay, except for methods listed in Decline.
type Simulated struct {
	Delay   time.Duration
	Decline map[models.PaymentMethod]string

	mu   sync.Mutex
	seen map[uuid.UUID]*Result
}

func NewSimulated(delay time.Duration) *Simulated {
	return &Simulated{Delay: delay}
}

func (s *Simulated) Initiate(ctx context.Context, req Request) (*Result, error) {
	s.mu.Lock()
	if prev, ok := s.seen[req.Reference]; ok {
		s.mu.Unlock()
		return prev, nil
	}
	s.mu.Unlock()

	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.Delay):
		}
	}

	result := &Result{TransactionID: "sim_" + uuid.NewString(), Status: StatusCompleted}
	if reason, ok := s.Decline[req.Method]; ok {
		result.Status = StatusFailed
		result.Reason = reason
	}

	s.mu.Lock()
	if s.seen == nil {
		s.seen = make(map[uuid.UUID]*Result)
	}
	s.seen[req.Reference] = result
	s.mu.Unlock()
	return result, nil
}
