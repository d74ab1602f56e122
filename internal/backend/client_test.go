package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// recorder serves canned responses and records request bodies by path.
type recorder struct {
	bodies map[string]map[string]any
	status map[string]int
	reply  map[string]any
	hits   atomic.Int32
}

func newBackend(t *testing.T, rec *recorder) *Client {
	t.Helper()
	rec.bodies = make(map[string]map[string]any)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.hits.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected JSON content type, got %q", ct)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		rec.bodies[r.URL.Path] = body

		w.Header().Set("Content-Type", "application/json")
		if code, ok := rec.status[r.URL.Path]; ok {
			w.WriteHeader(code)
		}
		_ = json.NewEncoder(w).Encode(rec.reply[r.URL.Path])
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", time.Second, nil)
}

func TestVerifyRoomValid(t *testing.T) {
	rec := &recorder{reply: map[string]any{
		PathVerifyRoom: map[string]any{
			"isValid": true,
			"sessionConfig": map[string]any{
				"hasQuiz": true, "quizTopic": "go", "quizQuestionCount": 5,
			},
		},
	}}
	c := newBackend(t, rec)

	v, err := c.VerifyRoom(context.Background(), "ROOM42")
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsValid || !v.SessionConfig.HasQuiz || v.SessionConfig.QuizQuestionCount != 5 {
		t.Errorf("unexpected verification %+v", v)
	}
	if got := rec.bodies[PathVerifyRoom]["roomCode"]; got != "ROOM42" {
		t.Errorf("expected roomCode in body, got %v", got)
	}
}

func TestVerifyRoomNotFoundCarriesMessage(t *testing.T) {
	rec := &recorder{
		status: map[string]int{PathVerifyRoom: http.StatusNotFound},
		reply:  map[string]any{PathVerifyRoom: map[string]string{"message": "Invalid, expired, or completed room code"}},
	}
	c := newBackend(t, rec)

	_, err := c.VerifyRoom(context.Background(), "NOPE")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T %v", err, err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Errorf("expected 404, got %d", apiErr.Status)
	}
	if apiErr.Message != "Invalid, expired, or completed room code" {
		t.Errorf("message not surfaced: %q", apiErr.Message)
	}
}

func TestVerifyRoomEmptyCodeSkipsRequest(t *testing.T) {
	rec := &recorder{}
	c := newBackend(t, rec)

	if _, err := c.VerifyRoom(context.Background(), ""); !errors.Is(err, ErrEmptyRoomCode) {
		t.Fatalf("expected ErrEmptyRoomCode, got %v", err)
	}
	if rec.hits.Load() != 0 {
		t.Error("request made for empty room code")
	}
}

func TestServerErrorNotRetried(t *testing.T) {
	rec := &recorder{status: map[string]int{PathProcessLog: http.StatusInternalServerError}}
	c := newBackend(t, rec)

	if err := c.LogProcesses(context.Background(), "R1", "a.exe"); err == nil {
		t.Fatal("expected error")
	}
	if n := rec.hits.Load(); n != 1 {
		t.Errorf("expected one request, got %d", n)
	}
	if got := rec.bodies[PathProcessLog]["processList"]; got != "a.exe" {
		t.Errorf("processList not sent: %v", got)
	}
}

func TestStreamTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "interviewee-1",
		"exp":     exp.Unix(),
	}).SignedString([]byte("not-known-to-the-client"))
	if err != nil {
		t.Fatal(err)
	}

	rec := &recorder{reply: map[string]any{PathStreamToken: map[string]string{"token": signed}}}
	c := newBackend(t, rec)

	tok, err := c.StreamToken(context.Background(), "interviewee-1", "R1")
	if err != nil {
		t.Fatal(err)
	}
	if tok.ExpiresAt == nil || !tok.ExpiresAt.Equal(exp) {
		t.Errorf("expected expiry %v, got %v", exp, tok.ExpiresAt)
	}
	body := rec.bodies[PathStreamToken]
	if body["userId"] != "interviewee-1" || body["roomCode"] != "R1" {
		t.Errorf("unexpected request body %v", body)
	}
}

func TestStreamTokenOpaque(t *testing.T) {
	rec := &recorder{reply: map[string]any{PathStreamToken: map[string]string{"token": "opaque"}}}
	c := newBackend(t, rec)

	tok, err := c.StreamToken(context.Background(), "u", "r")
	if err != nil {
		t.Fatal(err)
	}
	if tok.Token != "opaque" || tok.ExpiresAt != nil {
		t.Errorf("unexpected token %+v", tok)
	}
}

func TestStreamTokenEmpty(t *testing.T) {
	rec := &recorder{reply: map[string]any{PathStreamToken: map[string]string{}}}
	c := newBackend(t, rec)

	if _, err := c.StreamToken(context.Background(), "u", "r"); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestSubmitQuiz(t *testing.T) {
	rec := &recorder{reply: map[string]any{
		PathQuizSubmit: map[string]any{"score": 1, "totalQuestions": 2, "percentage": 50},
	}}
	c := newBackend(t, rec)

	res, err := c.SubmitQuiz(context.Background(), QuizSubmission{
		Answers:   []string{"a", "c"},
		Questions: []QuizQuestion{{Question: "1", CorrectAnswer: "a"}, {Question: "2", CorrectAnswer: "b"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Score != 1 || res.TotalQuestions != 2 || res.Percentage != 50 {
		t.Errorf("unexpected result %+v", res)
	}

	if _, err := c.SubmitQuiz(context.Background(), QuizSubmission{}); err == nil {
		t.Error("expected error for missing answers")
	}
}

func TestRunCode(t *testing.T) {
	rec := &recorder{reply: map[string]any{
		PathCodeRun: map[string]any{
			"stdout": "hi\n", "compile_output": "",
			"status": map[string]any{"id": 3, "description": "Accepted"},
			"time":   "0.002", "memory": 1024,
		},
	}}
	c := newBackend(t, rec)

	res, err := c.RunCode(context.Background(), CodeRun{Code: "print('hi')", Language: "python"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "hi\n" || res.Status.Description != "Accepted" || res.Memory != 1024 {
		t.Errorf("unexpected result %+v", res)
	}
	if rec.bodies[PathCodeRun]["language"] != "python" {
		t.Errorf("language not sent: %v", rec.bodies[PathCodeRun])
	}
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c := New(srv.URL, 50*time.Millisecond, nil)
	start := time.Now()
	if err := c.LogProcesses(context.Background(), "R1", ""); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout not applied")
	}
}
