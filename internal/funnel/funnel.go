package funnel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/funnelgate/pkg/entitlements"
	"github.com/rs/zerolog/log"
)

// ErrRouteLocked is returned when an operation needs a step the session has
// not reached yet.
var ErrRouteLocked = errors.New("funnel: step not reached")

// Funnel owns the current session and persists every change to Storage.
// Methods are safe for concurrent use.
type Funnel struct {
	mu            sync.Mutex
	storage       Storage
	questionCount int
	session       *Session

	newID    func() string
	newToken func() string
}

// Option configures a Funnel.
type Option func(*Funnel)

// WithQuestionCount sets the number of quiz answers required for analysis.
func WithQuestionCount(n int) Option {
	return func(f *Funnel) {
		if n > 0 {
			f.questionCount = n
		}
	}
}

// New restores the session persisted in storage, or starts a fresh one.
// An unreadable blob is discarded rather than surfaced to the visitor.
func New(storage Storage, opts ...Option) (*Funnel, error) {
	f := &Funnel{
		storage:       storage,
		questionCount: DefaultQuestionCount,
		newID:         func() string { return ulid.Make().String() },
		newToken:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(f)
	}

	data, ok, err := storage.Get(StorageKey)
	if err != nil {
		return nil, fmt.Errorf("load funnel session: %w", err)
	}
	if ok {
		s, err := UnmarshalSession(data)
		if err == nil && s.ID != "" {
			f.session = s
			return f, nil
		}
		log.Warn().Err(err).Msg("Discarding unreadable funnel session")
	}

	f.session = &Session{ID: f.newID()}
	if err := f.persist(f.session); err != nil {
		return nil, err
	}
	return f, nil
}

// QuestionCount returns the number of quiz answers required for analysis.
func (f *Funnel) QuestionCount() int {
	return f.questionCount
}

// Session returns a copy of the current session.
func (f *Funnel) Session() *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session.Clone()
}

// Guard resolves the route to show for a request to want.
func (f *Funnel) Guard(want Route) Route {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Guard(f.session, want, f.questionCount)
}

// Update applies fn to a copy of the session and keeps the result only if
// fn succeeds and the copy is persisted.
func (f *Funnel) Update(fn func(*Session) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.session.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := f.persist(next); err != nil {
		return err
	}
	f.session = next
	return nil
}

// MarkVSLSeen records that the intro video was watched.
func (f *Funnel) MarkVSLSeen() error {
	return f.Update(func(s *Session) error {
		s.HasSeenVSL = true
		return nil
	})
}

// SetIntakeField stores one intake form value.
func (f *Funnel) SetIntakeField(field, value string) error {
	return f.Update(func(s *Session) error {
		return s.SetIntakeField(field, value)
	})
}

// SetHandPhoto records whether a hand photo was supplied.
func (f *Funnel) SetHandPhoto(has bool) error {
	return f.Update(func(s *Session) error {
		s.HasHandPhoto = has
		return nil
	})
}

// SetAnswer stores a quiz answer, replacing any earlier answer to the same question.
func (f *Funnel) SetAnswer(a QuizAnswer) error {
	return f.Update(func(s *Session) error {
		s.SetAnswer(a)
		return nil
	})
}

// SetAnalysisResult stores the analysis result.
func (f *Funnel) SetAnalysisResult(r AnalysisResult) error {
	return f.Update(func(s *Session) error {
		s.SetAnalysisResult(r)
		return nil
	})
}

// MarkPaymentCompleted sets the local payment flag with a fresh opaque token
// and returns the token. The flag only drives navigation.
func (f *Funnel) MarkPaymentCompleted() (string, error) {
	token := f.newToken()
	err := f.Update(func(s *Session) error {
		s.PaymentCompleted = true
		s.PaymentToken = token
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Reset clears every field and starts a new session.
func (f *Funnel) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.storage.Remove(StorageKey); err != nil {
		return fmt.Errorf("clear funnel session: %w", err)
	}
	next := &Session{ID: f.newID()}
	if err := f.persist(next); err != nil {
		return err
	}
	f.session = next
	return nil
}

// EntitlementChecker queries the gateway's entitlement endpoint.
type EntitlementChecker interface {
	Entitlement(ctx context.Context, sessionID string) (entitlements.Entitlement, error)
}

// ConfirmPayment asks the gateway whether checkoutSessionID is paid and sets
// the local payment flag only when it is. The entitlement is returned either
// way so the caller can unlock the matching UI.
func (f *Funnel) ConfirmPayment(ctx context.Context, checker EntitlementChecker, recorder EventRecorder, checkoutSessionID string) (entitlements.Entitlement, error) {
	ent, err := checker.Entitlement(ctx, checkoutSessionID)
	if err != nil {
		return entitlements.Entitlement{}, fmt.Errorf("confirm payment: %w", err)
	}
	if !ent.IsPaid {
		return ent, nil
	}
	if _, err := f.MarkPaymentCompleted(); err != nil {
		return ent, err
	}
	recordBestEffort(ctx, recorder, f.Session().ID, EventPaymentConfirmed, checkoutSessionID)
	return ent, nil
}

func (f *Funnel) persist(s *Session) error {
	data, err := MarshalSession(s)
	if err != nil {
		return err
	}
	if err := f.storage.Set(StorageKey, data); err != nil {
		return fmt.Errorf("save funnel session: %w", err)
	}
	return nil
}
