// Package funnel holds the visitor-side funnel state: the session record,
// the route guard derived from it, and the calls a client makes to the
// gateway to reconcile local progress with the purchase ledger.
//
// Nothing here authorizes paid content. The gateway re-derives entitlement
// from the ledger on every content-serving request.
package funnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DefaultQuestionCount is the number of quiz questions in the standard funnel.
const DefaultQuestionCount = 7

// ErrUnknownIntakeField is returned when an intake setter names a field the
// session does not carry.
var ErrUnknownIntakeField = errors.New("funnel: unknown intake field")

// Intake field names accepted by SetIntakeField.
const (
	FieldName           = "name"
	FieldAge            = "age"
	FieldEmotionalState = "emotionalState"
	FieldMainConcern    = "mainConcern"
)

// QuizAnswer is one answered question.
type QuizAnswer struct {
	QuestionID string `json:"questionId"`
	AnswerID   string `json:"answerId"`
	AnswerText string `json:"answerText"`
}

// AnalysisResult is the preliminary analysis shown before checkout.
type AnalysisResult struct {
	Summary  string   `json:"summary"`
	Traits   []string `json:"traits,omitempty"`
	Fallback bool     `json:"fallback,omitempty"`
}

// Session is the persisted funnel progress for one browser session.
type Session struct {
	ID               string          `json:"id"`
	HasSeenVSL       bool            `json:"hasSeenVsl"`
	Name             string          `json:"name"`
	Age              string          `json:"age"`
	EmotionalState   string          `json:"emotionalState"`
	MainConcern      string          `json:"mainConcern"`
	HasHandPhoto     bool            `json:"hasHandPhoto"`
	QuizAnswers      []QuizAnswer    `json:"quizAnswers"`
	AnalysisResult   *AnalysisResult `json:"analysisResult,omitempty"`
	PaymentCompleted bool            `json:"paymentCompleted"`
	PaymentToken     string          `json:"paymentToken,omitempty"`
}

// CanEnterQuiz reports whether the intake form is complete enough for the quiz.
func (s *Session) CanEnterQuiz() bool {
	return strings.TrimSpace(s.Name) != "" &&
		strings.TrimSpace(s.Age) != "" &&
		s.HasHandPhoto
}

// CanEnterAnalysis reports whether every quiz question has been answered.
func (s *Session) CanEnterAnalysis(questionCount int) bool {
	return s.CanEnterQuiz() && len(s.QuizAnswers) >= questionCount
}

// CanEnterResult reports whether an analysis result is present.
func (s *Session) CanEnterResult() bool {
	return s.AnalysisResult != nil
}

// CanEnterDelivery reports whether the session has locally asserted payment.
func (s *Session) CanEnterDelivery() bool {
	return s.PaymentCompleted && s.PaymentToken != ""
}

// SetIntakeField stores one intake form value.
func (s *Session) SetIntakeField(field, value string) error {
	value = strings.TrimSpace(value)
	switch field {
	case FieldName:
		s.Name = value
	case FieldAge:
		s.Age = value
	case FieldEmotionalState:
		s.EmotionalState = value
	case FieldMainConcern:
		s.MainConcern = value
	default:
		return fmt.Errorf("%w: %q", ErrUnknownIntakeField, field)
	}
	return nil
}

// SetAnswer appends a, or replaces the earlier answer to the same question.
func (s *Session) SetAnswer(a QuizAnswer) {
	for i := range s.QuizAnswers {
		if s.QuizAnswers[i].QuestionID == a.QuestionID {
			s.QuizAnswers[i] = a
			return
		}
	}
	s.QuizAnswers = append(s.QuizAnswers, a)
}

// SetAnalysisResult stores the analysis shown on the results step.
func (s *Session) SetAnalysisResult(r AnalysisResult) {
	s.AnalysisResult = &r
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	out := *s
	out.QuizAnswers = append([]QuizAnswer(nil), s.QuizAnswers...)
	if s.AnalysisResult != nil {
		r := *s.AnalysisResult
		r.Traits = append([]string(nil), s.AnalysisResult.Traits...)
		out.AnalysisResult = &r
	}
	return &out
}

// MarshalSession encodes s as the persisted JSON blob.
func MarshalSession(s *Session) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode funnel session: %w", err)
	}
	return data, nil
}

// UnmarshalSession decodes a persisted JSON blob.
func UnmarshalSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode funnel session: %w", err)
	}
	return &s, nil
}
