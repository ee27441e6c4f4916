package reading

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rcourtman/funnelgate/internal/gateway/entitlement"
	"github.com/rcourtman/funnelgate/internal/gateway/ledger"
	"github.com/rcourtman/funnelgate/internal/gateway/store"
	"github.com/rcourtman/funnelgate/pkg/entitlements"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	last  Request
	err   error

	ctxErr      error
	hadDeadline bool
}

func (f *fakeGenerator) Generate(ctx context.Context, req Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	f.ctxErr = ctx.Err()
	_, f.hadDeadline = ctx.Deadline()
	if f.err != nil {
		return "", f.err
	}
	return "Your heart line runs long and steady.", nil
}

func newTestResolver(t *testing.T) *entitlement.Resolver {
	t.Helper()
	db, err := store.OpenSQLite(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	l := ledger.New(db)
	for _, rec := range []ledger.PurchaseRecord{
		{SessionID: "cs_basic", Status: ledger.StatusPaid, ProductCode: entitlements.ProductBasic, PaymentIntentID: "pi_b"},
		{SessionID: "cs_guide_only", Status: ledger.StatusPaid, ProductCode: entitlements.ProductGuide, PaymentIntentID: "pi_g"},
		{SessionID: "cs_unpaid", Status: ledger.StatusUnpaid, ProductCode: entitlements.ProductComplete, PaymentIntentID: "pi_u"},
	} {
		_, err := l.Upsert(context.Background(), &rec)
		require.NoError(t, err)
	}
	return entitlement.NewResolver(l)
}

func postGenerate(h http.Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate-reading", strings.NewReader(body)))
	return rec
}

func TestGateRefusesBeforeGenerating(t *testing.T) {
	resolver := newTestResolver(t)

	for _, sessionID := range []string{"cs_never_paid", "cs_unpaid", "cs_guide_only"} {
		t.Run(sessionID, func(t *testing.T) {
			gen := &fakeGenerator{}
			rec := postGenerate(NewGate(resolver, gen, time.Second), `{"session_id":"`+sessionID+`","profile":{"name":"Ana"}}`)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.JSONEq(t, `{"error":"forbidden"}`, rec.Body.String())
			assert.Zero(t, gen.calls)
		})
	}
}

func TestGateGeneratesForPaidSession(t *testing.T) {
	gen := &fakeGenerator{}
	body := `{"session_id":"cs_basic","profile":{"name":"Ana","age":"29","emotionalState":"hopeful","mainConcern":"career","quizAnswers":[{"questionId":"q1","answerId":"a","answerText":"Yes"}]}}`

	rec := postGenerate(NewGate(newTestResolver(t), gen, time.Second), body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp generateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Your heart line runs long and steady.", resp.Reading)

	require.Equal(t, 1, gen.calls)
	assert.Equal(t, "cs_basic", gen.last.SessionID)
	assert.Equal(t, []entitlements.Capability{entitlements.CapabilityBasic}, gen.last.PaidProducts)
	assert.Equal(t, "Ana", gen.last.Profile.Name)
	assert.Equal(t, "career", gen.last.Profile.MainConcern)
	require.Len(t, gen.last.Profile.QuizAnswers, 1)
	assert.Equal(t, "q1", gen.last.Profile.QuizAnswers[0].QuestionID)
}

type allowAll struct{}

func (allowAll) Authorize(context.Context, string, string, func(entitlements.Entitlement) bool) (entitlements.Entitlement, bool, error) {
	return entitlements.Resolve([]entitlements.ProductCode{entitlements.ProductBasic}), true, nil
}

func TestGateDetachesGeneratorFromClient(t *testing.T) {
	gen := &fakeGenerator{}
	gate := NewGate(allowAll{}, gen, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/generate-reading", strings.NewReader(`{"session_id":"cs_basic"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	gate.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, gen.calls)
	assert.NoError(t, gen.ctxErr)
	assert.True(t, gen.hadDeadline)
}

func TestGateErrors(t *testing.T) {
	resolver := newTestResolver(t)

	rec := postGenerate(NewGate(resolver, &fakeGenerator{}, time.Second), `{"profile":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"session_id_required"}`, rec.Body.String())

	rec = postGenerate(NewGate(resolver, &fakeGenerator{}, time.Second), `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	gen := &fakeGenerator{err: errors.New("upstream timeout")}
	rec = postGenerate(NewGate(resolver, gen, time.Second), `{"session_id":"cs_basic"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"generation_failed"}`, rec.Body.String())

	rec = postGenerate(NewGate(resolver, nil, time.Second), `{"session_id":"cs_basic"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = postGenerate(NewGate(resolver, nil, time.Second), `{"session_id":"cs_never_paid"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	answers := make([]string, maxQuizAnswers+1)
	for i := range answers {
		answers[i] = `{"questionId":"q","answerId":"a","answerText":"t"}`
	}
	rec = postGenerate(NewGate(resolver, &fakeGenerator{}, time.Second), `{"session_id":"cs_basic","profile":{"quizAnswers":[`+strings.Join(answers, ",")+`]}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPGenerator(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gen-token", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reading":"A calm season ahead."}`))
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, "gen-token", time.Second)
	text, err := g.Generate(context.Background(), Request{SessionID: "cs_basic", Profile: Profile{Name: "Ana"}})
	require.NoError(t, err)
	assert.Equal(t, "A calm season ahead.", text)
	assert.Equal(t, "cs_basic", got.SessionID)
	assert.Equal(t, "Ana", got.Profile.Name)
}

func TestHTTPGeneratorFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/error":
			w.WriteHeader(http.StatusBadGateway)
		case "/empty":
			_, _ = w.Write([]byte(`{"reading":"  "}`))
		default:
			_, _ = w.Write([]byte(`not json`))
		}
	}))
	defer srv.Close()

	for _, path := range []string{"/error", "/empty", "/garbage"} {
		_, err := NewHTTPGenerator(srv.URL+path, "", time.Second).Generate(context.Background(), Request{SessionID: "cs"})
		assert.Error(t, err, path)
	}
}
