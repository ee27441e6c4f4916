package auditlog

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rcourtman/funnelgate/internal/gateway/store"
)

func TestClientIP(t *testing.T) {
	proxies, err := ParseTrustedProxies("10.0.0.0/8, 192.0.2.1, ::1")
	if err != nil {
		t.Fatalf("ParseTrustedProxies: %v", err)
	}

	tests := []struct {
		name       string
		proxies    *TrustedProxies
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{name: "untrusted peer ignores X-Forwarded-For", proxies: proxies, remoteAddr: "198.51.100.7:5000", headers: map[string]string{"X-Forwarded-For": "203.0.113.9"}, want: "198.51.100.7"},
		{name: "untrusted peer ignores X-Real-IP", proxies: proxies, remoteAddr: "198.51.100.7:5000", headers: map[string]string{"X-Real-IP": "203.0.113.9"}, want: "198.51.100.7"},
		{name: "no proxies configured ignores headers", remoteAddr: "10.0.0.2:5000", headers: map[string]string{"X-Forwarded-For": "203.0.113.9"}, want: "10.0.0.2"},
		{name: "trusted peer single hop", proxies: proxies, remoteAddr: "10.0.0.2:5000", headers: map[string]string{"X-Forwarded-For": "203.0.113.9"}, want: "203.0.113.9"},
		{name: "trusted peer skips trusted hops from the right", proxies: proxies, remoteAddr: "10.0.0.2:5000", headers: map[string]string{"X-Forwarded-For": "1.1.1.1, 203.0.113.9 , 10.1.2.3"}, want: "203.0.113.9"},
		{name: "all hops trusted uses leftmost", proxies: proxies, remoteAddr: "10.0.0.2:5000", headers: map[string]string{"X-Forwarded-For": "10.9.9.9, 10.1.2.3"}, want: "10.9.9.9"},
		{name: "trusted bare IP peer uses X-Real-IP", proxies: proxies, remoteAddr: "192.0.2.1:5000", headers: map[string]string{"X-Real-IP": "[2001:db8::5]"}, want: "2001:db8::5"},
		{name: "trusted IPv6 peer", proxies: proxies, remoteAddr: "[::1]:8080", headers: map[string]string{"X-Forwarded-For": "203.0.113.9"}, want: "203.0.113.9"},
		{name: "trusted peer without headers", proxies: proxies, remoteAddr: "10.0.0.2:5000", want: "10.0.0.2"},
		{name: "RemoteAddr without port", remoteAddr: "192.168.1.50", want: "192.168.1.50"},
		{name: "IPv6 RemoteAddr", remoteAddr: "[::1]:8080", want: "::1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := &http.Request{Header: make(http.Header), RemoteAddr: tc.remoteAddr}
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := tc.proxies.ClientIP(req); got != tc.want {
				t.Errorf("ClientIP() = %q, want %q", got, tc.want)
			}
		})
	}

	req := &http.Request{Header: make(http.Header), RemoteAddr: "198.51.100.7:5000"}
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	if got := ClientIP(req); got != "198.51.100.7" {
		t.Errorf("package ClientIP() = %q, want peer address", got)
	}
	if got := ClientIP(nil); got != "" {
		t.Errorf("ClientIP(nil) = %q, want empty", got)
	}
}

func TestParseTrustedProxies(t *testing.T) {
	p, err := ParseTrustedProxies("  ")
	if err != nil || p != nil {
		t.Fatalf("empty list = %v, %v; want nil, nil", p, err)
	}
	if p.Len() != 0 || p.Contains("10.0.0.1") {
		t.Fatal("nil proxies must trust nobody")
	}

	p, err = ParseTrustedProxies("172.16.0.0/12,127.0.0.1")
	if err != nil {
		t.Fatalf("ParseTrustedProxies: %v", err)
	}
	if p.Len() != 2 {
		t.Fatalf("Len = %d, want 2", p.Len())
	}
	if !p.Contains("172.20.1.1") || !p.Contains("::ffff:127.0.0.1") || p.Contains("127.0.0.2") {
		t.Fatal("unexpected membership result")
	}

	for _, bad := range []string{"10.0.0.0/33", "not-an-ip", "10.0.0.1, proxy.local"} {
		if _, err := ParseTrustedProxies(bad); err == nil {
			t.Errorf("ParseTrustedProxies(%q) expected error", bad)
		}
	}
}

func TestRequestPath(t *testing.T) {
	if got := RequestPath(nil); got != "" {
		t.Fatalf("RequestPath(nil) = %q", got)
	}
	req := httptest.NewRequest(http.MethodPost, "/funnel/events", nil)
	if got := RequestPath(req); got != "/funnel/events" {
		t.Fatalf("RequestPath = %q, want /funnel/events", got)
	}
	req.URL.Path = "  "
	if got := RequestPath(req); got != "/" {
		t.Fatalf("RequestPath(blank) = %q, want /", got)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.OpenSQLite(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestStoreRecordAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	long := strings.Repeat("x", maxDetailBytes+100)
	if err := s.Record(ctx, &Event{SessionID: "cs_1", Event: EventAnalysisFallback, Detail: long}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, &Event{SessionID: "cs_1", Event: EventPaymentConfirmed}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, &Event{SessionID: "cs_2", Event: EventCheckoutStarted}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := s.ListBySession(ctx, "cs_1")
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Event != EventAnalysisFallback || len(events[0].Detail) != maxDetailBytes {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[0].ID == "" || events[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp to be assigned: %+v", events[0])
	}

	if err := s.Record(ctx, &Event{Event: EventCheckoutStarted}); err == nil {
		t.Fatal("expected error for missing session id")
	}
}

func TestTruncateDetailKeepsValidUTF8(t *testing.T) {
	// "é" is two bytes, so an odd prefix pushes a rune across the cap.
	detail := "x" + strings.Repeat("é", maxDetailBytes)
	got := truncateDetail(detail)
	if !utf8.ValidString(got) {
		t.Fatal("truncated detail is not valid UTF-8")
	}
	if len(got) != maxDetailBytes-1 {
		t.Fatalf("len = %d, want %d", len(got), maxDetailBytes-1)
	}

	if got := truncateDetail("ok\xffgo"); got != "okgo" {
		t.Fatalf("invalid input = %q, want okgo", got)
	}
	if got := truncateDetail("timeout after 25s"); got != "timeout after 25s" {
		t.Fatalf("short detail changed: %q", got)
	}

	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Record(ctx, &Event{SessionID: "cs_utf8", Event: EventAnalysisFallback, Detail: detail}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	events, err := s.ListBySession(ctx, "cs_utf8")
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(events) != 1 || !utf8.ValidString(events[0].Detail) {
		t.Fatalf("stored detail invalid: %+v", events)
	}
}

type fakeRecorder struct {
	events []*Event
	err    error
}

func (f *fakeRecorder) Record(_ context.Context, ev *Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func TestHandleRecordEvent(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		recErr     error
		wantStatus int
		wantBody   string
		wantStored int
	}{
		{name: "records fallback", method: http.MethodPost, body: `{"session_id":"cs_1","event":"analysis_fallback","detail":"timeout after 25s"}`, wantStatus: http.StatusAccepted, wantBody: `"recorded":true`, wantStored: 1},
		{name: "missing session", method: http.MethodPost, body: `{"event":"analysis_fallback"}`, wantStatus: http.StatusBadRequest, wantBody: "session_id_required"},
		{name: "server-only event rejected", method: http.MethodPost, body: `{"session_id":"cs_1","event":"webhook_quarantined"}`, wantStatus: http.StatusBadRequest, wantBody: "invalid_event"},
		{name: "malformed body", method: http.MethodPost, body: `{`, wantStatus: http.StatusBadRequest, wantBody: "invalid_body"},
		{name: "wrong method", method: http.MethodGet, wantStatus: http.StatusMethodNotAllowed},
		{name: "store failure", method: http.MethodPost, body: `{"session_id":"cs_1","event":"checkout_started"}`, recErr: errors.New("disk full"), wantStatus: http.StatusInternalServerError, wantBody: "record_failed"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := &fakeRecorder{err: tc.recErr}
			req := httptest.NewRequest(tc.method, "/funnel/events", bytes.NewBufferString(tc.body))
			req.RemoteAddr = "203.0.113.7:4000"
			w := httptest.NewRecorder()

			HandleRecordEvent(rec, nil)(w, req)

			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d (body=%s)", w.Code, tc.wantStatus, w.Body.String())
			}
			if tc.wantBody != "" && !strings.Contains(w.Body.String(), tc.wantBody) {
				t.Fatalf("body = %s, want substring %q", w.Body.String(), tc.wantBody)
			}
			if len(rec.events) != tc.wantStored {
				t.Fatalf("stored = %d, want %d", len(rec.events), tc.wantStored)
			}
			if tc.wantStored > 0 && rec.events[0].ClientIP != "203.0.113.7" {
				t.Fatalf("client ip = %q", rec.events[0].ClientIP)
			}
		})
	}
}
