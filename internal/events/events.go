// Package events carries notifications about committed circulation changes
// to interested parties (cache invalidation, metrics, notifiers). Events are
// published only after the transaction that produced them has committed.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Type string

const (
	LoanBorrowed     Type = "loan.borrowed"
	LoanReturned     Type = "loan.returned"
	LoanExtended     Type = "loan.extended"
	LoanLost         Type = "loan.lost"
	LoanDamaged      Type = "loan.damaged"
	LoanRestocked    Type = "loan.restocked"
	FineWaived       Type = "fine.waived"
	PaymentCompleted Type = "payment.completed"
	PaymentFailed    Type = "payment.failed"
)

type Event struct {
	ID         uuid.UUID      `json:"id"`
	Type       Type           `json:"type"`
	MemberID   uuid.UUID      `json:"member_id"`
	SubjectID  uuid.UUID      `json:"subject_id"` // loan, fine or payment id
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

func New(t Type, memberID, subjectID uuid.UUID, at time.Time, data map[string]any) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		MemberID:   memberID,
		SubjectID:  subjectID,
		OccurredAt: at,
		Data:       data,
	}
}

type Publisher interface {
	Publish(ctx context.Context, events ...Event)
}

// Handler reacts to one event. Errors are logged by the bus and do not stop
// delivery to other handlers.
type Handler func(ctx context.Context, e Event) error

// Bus delivers events synchronously, in publish order, to handlers
// subscribed to their type or to all types.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler
	log      *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[Type][]Handler),
		log:      log.Named("events"),
	}
}

// Subscribe registers h for the given types, or for every type when none
// are given.
func (b *Bus) Subscribe(h Handler, types ...Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.all = append(b.all, h)
		return
	}
	for _, t := range types {
		b.handlers[t] = append(b.handlers[t], h)
	}
}

func (b *Bus) Publish(ctx context.Context, events ...Event) {
	for _, e := range events {
		b.mu.RLock()
		hs := make([]Handler, 0, len(b.handlers[e.Type])+len(b.all))
		hs = append(hs, b.handlers[e.Type]...)
		hs = append(hs, b.all...)
		b.mu.RUnlock()

		for _, h := range hs {
			if err := h(ctx, e); err != nil {
				b.log.Error("handler failed to process event",
					zap.String("event_type", string(e.Type)),
					zap.String("event_id", e.ID.String()),
					zap.Error(err),
				)
			}
		}
		b.log.Debug("event published",
			zap.String("event_type", string(e.Type)),
			zap.String("member_id", e.MemberID.String()),
			zap.String("subject_id", e.SubjectID.String()),
		)
	}
}
