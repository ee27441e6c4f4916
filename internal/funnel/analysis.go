package funnel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultAnalysisTimeout bounds how long the visitor waits for the analysis.
const DefaultAnalysisTimeout = 25 * time.Second

// Audit events a client posts to the gateway.
const (
	EventAnalysisFallback  = "analysis_fallback"
	EventAnalysisCompleted = "analysis_completed"
	EventCheckoutStarted   = "checkout_started"
	EventPaymentConfirmed  = "payment_confirmed"
)

// Analyzer produces the preliminary analysis for a session.
type Analyzer interface {
	Analyze(ctx context.Context, s *Session) (AnalysisResult, error)
}

// EventRecorder posts funnel audit events.
type EventRecorder interface {
	RecordEvent(ctx context.Context, sessionID, event, detail string) error
}

type analysisOutcome struct {
	result AnalysisResult
	err    error
}

// RunAnalysis asks analyzer for the session's analysis, waiting at most
// timeout. When the analyzer fails or is too slow a locally computed result
// is stored instead and the fallback is recorded through recorder.
func (f *Funnel) RunAnalysis(ctx context.Context, analyzer Analyzer, recorder EventRecorder, timeout time.Duration) (AnalysisResult, error) {
	snapshot := f.Session()
	if !snapshot.CanEnterAnalysis(f.questionCount) {
		return AnalysisResult{}, fmt.Errorf("run analysis: %w", ErrRouteLocked)
	}
	if timeout <= 0 {
		timeout = DefaultAnalysisTimeout
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan analysisOutcome, 1)
	go func() {
		res, err := analyzer.Analyze(actx, snapshot.Clone())
		done <- analysisOutcome{result: res, err: err}
	}()

	var result AnalysisResult
	var reason string
	select {
	case out := <-done:
		switch {
		case out.err != nil:
			reason = "error: " + out.err.Error()
		case strings.TrimSpace(out.result.Summary) == "":
			reason = "empty result"
		default:
			result = out.result
		}
	case <-actx.Done():
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		} else {
			return AnalysisResult{}, fmt.Errorf("run analysis: %w", actx.Err())
		}
	}

	event := EventAnalysisCompleted
	if reason != "" {
		log.Warn().Str("session_id", snapshot.ID).Str("reason", reason).Msg("Analysis unavailable; using local fallback")
		result = FallbackAnalysis(snapshot)
		event = EventAnalysisFallback
	}

	if err := f.SetAnalysisResult(result); err != nil {
		return AnalysisResult{}, err
	}
	recordBestEffort(ctx, recorder, snapshot.ID, event, reason)
	return result, nil
}

// FallbackAnalysis derives a generic analysis from intake answers alone.
func FallbackAnalysis(s *Session) AnalysisResult {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		name = "Your"
	} else {
		name += ", your"
	}

	traits := []string{"intuitive"}
	if c := strings.TrimSpace(s.MainConcern); c != "" {
		traits = append(traits, "focused on "+strings.ToLower(c))
	}
	if e := strings.TrimSpace(s.EmotionalState); e != "" {
		traits = append(traits, "currently "+strings.ToLower(e))
	}

	return AnalysisResult{
		Summary:  fmt.Sprintf("%s hand shows a period of change. The full reading explores what comes next.", name),
		Traits:   traits,
		Fallback: true,
	}
}

func recordBestEffort(ctx context.Context, recorder EventRecorder, sessionID, event, detail string) {
	if recorder == nil {
		return
	}
	// Detach from the caller so a navigation away does not drop the record.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := recorder.RecordEvent(rctx, sessionID, event, detail); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Str("event", event).Msg("Failed to record funnel event")
	}
}
