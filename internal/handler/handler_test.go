package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/attempt"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/database"
	"github.com/stemsi/exstem-attempt/internal/handler"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/repository"
	"github.com/stemsi/exstem-attempt/internal/router"
	"github.com/stemsi/exstem-attempt/internal/service"
	"github.com/stemsi/exstem-attempt/internal/validator"
)

type testEnv struct {
	engine *gin.Engine
	auth   *service.AuthService
	exam   *model.ExamDefinition
	svc    *attempt.Service
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields"`
	} `json:"error"`
}

func newTestEnv(t *testing.T, tweaks ...func(*attempt.Options)) *testEnv {
	t.Helper()
	validator.Setup()

	cfg := &config.Config{GinMode: gin.TestMode, JWTSecret: "test-secret", JWTExpiry: time.Hour}

	db, err := database.NewSQLiteDB(context.Background(), filepath.Join(t.TempDir(), "attempts.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSQLiteDB() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := repository.NewSQLiteStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}

	opts := []model.Option{{Label: "A", Text: "1"}, {Label: "B", Text: "2"}, {Label: "C", Text: "3"}, {Label: "D", Text: "4"}}
	exam := &model.ExamDefinition{
		ID:              uuid.New(),
		Title:           "Physics",
		DurationMinutes: 30,
		Status:          model.ExamStatusPublished,
		Questions: []model.Question{
			{ID: uuid.New(), Prompt: "g?", Options: opts, Marks: 3, CorrectOption: "B"},
			{ID: uuid.New(), Prompt: "c?", Options: opts, Marks: 7, CorrectOption: "C"},
		},
	}
	if err := store.UpsertExam(context.Background(), exam); err != nil {
		t.Fatalf("UpsertExam() error = %v", err)
	}

	attemptOpts := attempt.DefaultOptions()
	attemptOpts.CheckpointInterval = time.Hour
	for _, tweak := range tweaks {
		tweak(&attemptOpts)
	}
	svc := attempt.NewService(store, attempt.ExamSourceFunc(store.GetDefinition), nil, nil, attemptOpts, zerolog.Nop())
	t.Cleanup(func() { svc.Shutdown(context.Background()) })

	auth := service.NewAuthService(cfg)
	handlers := &router.Handlers{
		Participant: handler.NewParticipantHandler(svc, zerolog.Nop()),
		WS:          handler.NewWSHandler(svc, zerolog.Nop(), nil),
		Health: handler.NewHealthHandler(svc, map[string]handler.Pinger{
			"store": db.PingContext,
		}, zerolog.Nop()),
	}

	return &testEnv{
		engine: router.SetupRouter(auth, handlers, nil, cfg),
		auth:   auth,
		exam:   exam,
		svc:    svc,
	}
}

func (e *testEnv) token(t *testing.T, participantID int) string {
	t.Helper()
	tok, err := e.auth.GenerateToken(participantID)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code, env
}

func (e *testEnv) start(t *testing.T, token string) attempt.StartResult {
	t.Helper()
	code, env := e.do(t, http.MethodPost, "/api/v1/participant/exams/"+e.exam.ID.String()+"/start", token, nil)
	if code != http.StatusOK {
		t.Fatalf("start status = %d, body error = %+v", code, env.Error)
	}
	var res attempt.StartResult
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatalf("decode start result: %v", err)
	}
	return res
}

func TestParticipantAttemptFlow(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, 7)

	res := env.start(t, tok)
	if res.Status != attempt.StatusActive || len(res.Questions) != 2 {
		t.Fatalf("start = %+v, want ACTIVE with 2 questions", res)
	}
	if res.RemainingSeconds != 30*60 {
		t.Fatalf("remaining = %d, want %d", res.RemainingSeconds, 30*60)
	}

	sessionPath := "/api/v1/participant/sessions/" + res.SessionID.String()
	q1 := env.exam.Questions[0].ID.String()

	if code, e := env.do(t, http.MethodPut, sessionPath+"/answers", tok, gin.H{"question_id": q1, "option": "b"}); code != http.StatusOK {
		t.Fatalf("answer status = %d, error = %+v", code, e.Error)
	}

	code, e := env.do(t, http.MethodPut, sessionPath+"/answers", tok, gin.H{"question_id": q1, "option": "E"})
	if code != http.StatusBadRequest || e.Error == nil || e.Error.Code != "VALIDATION_ERROR" || e.Error.Fields["option"] == "" {
		t.Fatalf("bad option = %d %+v, want 400 VALIDATION_ERROR on option", code, e.Error)
	}

	code, e = env.do(t, http.MethodPut, sessionPath+"/answers", tok, gin.H{"question_id": uuid.NewString(), "option": "A"})
	if code != http.StatusBadRequest || e.Error == nil || e.Error.Code != "INVALID_ANSWER" {
		t.Fatalf("foreign question = %d %+v, want 400 INVALID_ANSWER", code, e.Error)
	}

	if code, e := env.do(t, http.MethodPut, sessionPath+"/flags", tok, gin.H{"question_id": q1, "flagged": true}); code != http.StatusOK {
		t.Fatalf("flag status = %d, error = %+v", code, e.Error)
	}

	code, e = env.do(t, http.MethodGet, sessionPath+"/confirmation", tok, nil)
	if code != http.StatusOK {
		t.Fatalf("confirmation status = %d", code)
	}
	var conf attempt.Confirmation
	_ = json.Unmarshal(e.Data, &conf)
	if conf.Answered != 1 || conf.Unanswered != 1 || conf.Flagged != 1 {
		t.Fatalf("confirmation = %+v, want 1 answered, 1 unanswered, 1 flagged", conf)
	}

	code, e = env.do(t, http.MethodPost, sessionPath+"/submit", tok, nil)
	if code != http.StatusOK {
		t.Fatalf("submit status = %d, error = %+v", code, e.Error)
	}
	var submitted struct {
		Status  string          `json:"status"`
		Outcome attempt.Outcome `json:"outcome"`
	}
	_ = json.Unmarshal(e.Data, &submitted)
	if submitted.Status != handler.SubmitStatusSubmitted || submitted.Outcome.Score != 3 || submitted.Outcome.TotalMarks != 10 {
		t.Fatalf("submit = %+v, want SUBMITTED 3/10", submitted)
	}

	code, e = env.do(t, http.MethodPost, sessionPath+"/submit", tok, nil)
	_ = json.Unmarshal(e.Data, &submitted)
	if code != http.StatusOK || submitted.Status != handler.SubmitStatusAlreadySubmitted {
		t.Fatalf("second submit = %d %+v, want 200 ALREADY_SUBMITTED", code, submitted)
	}

	code, e = env.do(t, http.MethodPost, "/api/v1/participant/exams/"+env.exam.ID.String()+"/start", tok, nil)
	if code != http.StatusConflict || e.Error == nil || e.Error.Code != "ALREADY_SUBMITTED" {
		t.Fatalf("restart = %d %+v, want 409 ALREADY_SUBMITTED", code, e.Error)
	}

	code, e = env.do(t, http.MethodGet, "/api/v1/participant/exams/"+env.exam.ID.String()+"/result", tok, nil)
	if code != http.StatusOK {
		t.Fatalf("result status = %d, error = %+v", code, e.Error)
	}
	var result struct {
		Result model.Result `json:"result"`
	}
	_ = json.Unmarshal(e.Data, &result)
	if result.Result.Score != 3 || result.Result.Trigger != model.TriggerExplicit {
		t.Fatalf("result = %+v, want score 3 EXPLICIT", result.Result)
	}
}

func TestParticipantErrors(t *testing.T) {
	env := newTestEnv(t)
	owner := env.token(t, 1)
	other := env.token(t, 2)
	res := env.start(t, owner)

	tests := []struct {
		name     string
		method   string
		path     string
		token    string
		body     interface{}
		wantCode int
		wantErr  string
	}{
		{
			name: "missing token", method: http.MethodPost,
			path:     "/api/v1/participant/exams/" + env.exam.ID.String() + "/start",
			wantCode: http.StatusUnauthorized, wantErr: "TOKEN_REQUIRED",
		},
		{
			name: "malformed exam id", method: http.MethodPost, token: owner,
			path:     "/api/v1/participant/exams/not-a-uuid/start",
			wantCode: http.StatusBadRequest, wantErr: "INVALID_ID",
		},
		{
			name: "unknown exam", method: http.MethodPost, token: owner,
			path:     "/api/v1/participant/exams/" + uuid.NewString() + "/start",
			wantCode: http.StatusNotFound, wantErr: "EXAM_NOT_FOUND",
		},
		{
			name: "foreign session", method: http.MethodPost, token: other,
			path:     "/api/v1/participant/sessions/" + res.SessionID.String() + "/submit",
			wantCode: http.StatusNotFound, wantErr: "SESSION_NOT_FOUND",
		},
		{
			name: "result before submit", method: http.MethodGet, token: owner,
			path:     "/api/v1/participant/exams/" + env.exam.ID.String() + "/result",
			wantCode: http.StatusNotFound, wantErr: "RESULT_NOT_FOUND",
		},
		{
			name: "bad visibility state", method: http.MethodPost, token: owner,
			path:     "/api/v1/participant/sessions/" + res.SessionID.String() + "/visibility",
			body:     gin.H{"state": "minimized"},
			wantCode: http.StatusBadRequest, wantErr: "VALIDATION_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, e := env.do(t, tt.method, tt.path, tt.token, tt.body)
			if code != tt.wantCode {
				t.Fatalf("status = %d, want %d", code, tt.wantCode)
			}
			if e.Error == nil || e.Error.Code != tt.wantErr {
				t.Fatalf("error = %+v, want %s", e.Error, tt.wantErr)
			}
		})
	}
}

func TestVisibilityBeacon(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, 3)
	res := env.start(t, tok)

	path := "/api/v1/participant/sessions/" + res.SessionID.String() + "/visibility"
	for _, state := range []string{"hidden", "visible"} {
		if code, e := env.do(t, http.MethodPost, path, tok, gin.H{"state": state}); code != http.StatusNoContent {
			t.Fatalf("visibility %s = %d %+v, want 204", state, code, e.Error)
		}
	}

	if code, _ := env.do(t, http.MethodPost, path, tok, gin.H{"state": "unload"}); code != http.StatusNoContent {
		t.Fatalf("unload status = %d, want 204", code)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := env.svc.Result(context.Background(), env.exam.ID, 3)
		if err == nil {
			break
		}
		if !errors.Is(err, attempt.ErrResultNotFound) || time.Now().After(deadline) {
			t.Fatalf("Result() after unload error = %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionStream(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, 9)
	res := env.start(t, tok)

	srv := httptest.NewServer(env.engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/ws/v1/participant/sessions/" + res.SessionID.String() + "/stream?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send := func(v interface{}) map[string]interface{} {
		t.Helper()
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("write: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var got map[string]interface{}
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("read: %v", err)
		}
		return got
	}

	if got := send(gin.H{"action": "ping"}); got["event"] != "pong" {
		t.Fatalf("ping reply = %v, want pong", got)
	}

	q2 := env.exam.Questions[1].ID.String()
	if got := send(gin.H{"action": "answer", "question_id": q2, "option": "C"}); got["event"] != "saved" {
		t.Fatalf("answer reply = %v, want saved", got)
	}
	if got := send(gin.H{"action": "answer", "question_id": q2, "option": "Z"}); got["event"] != "error" || got["code"] != "INVALID_ANSWER" {
		t.Fatalf("bad answer reply = %v, want INVALID_ANSWER error", got)
	}
	if got := send(gin.H{"action": "dance"}); got["event"] != "error" {
		t.Fatalf("unknown action reply = %v, want error", got)
	}

	got := send(gin.H{"action": "submit"})
	if got["event"] != "graded" {
		t.Fatalf("submit reply = %v, want graded", got)
	}
	data, _ := got["data"].(map[string]interface{})
	if data["score"] != float64(7) {
		t.Fatalf("graded data = %v, want score 7", data)
	}

	if got := send(gin.H{"action": "answer", "question_id": q2, "option": "A"}); got["event"] != "already_submitted" {
		t.Fatalf("late answer reply = %v, want already_submitted", got)
	}
}

func TestSessionStreamRejectsForeignSession(t *testing.T) {
	env := newTestEnv(t)
	res := env.start(t, env.token(t, 1))

	srv := httptest.NewServer(env.engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/ws/v1/participant/sessions/" + res.SessionID.String() + "/stream?token=" + env.token(t, 2)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() succeeded for a foreign session")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("handshake response = %v, want 404", resp)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, env.token(t, 4))

	code, e := env.do(t, http.MethodGet, "/health", "", nil)
	if code != http.StatusOK {
		t.Fatalf("health status = %d", code)
	}
	var st struct {
		Status         string            `json:"status"`
		ActiveSessions int               `json:"active_sessions"`
		Dependencies   map[string]string `json:"dependencies"`
	}
	_ = json.Unmarshal(e.Data, &st)
	if st.Status != "ok" || st.ActiveSessions != 1 || st.Dependencies["store"] != "up" {
		t.Fatalf("health = %+v, want ok with 1 active session and store up", st)
	}
}

func TestSessionStreamGraceWaitsForLastConnection(t *testing.T) {
	env := newTestEnv(t, func(o *attempt.Options) { o.DisconnectGrace = 0 })
	tok := env.token(t, 12)
	res := env.start(t, tok)

	srv := httptest.NewServer(env.engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/ws/v1/participant/sessions/" + res.SessionID.String() + "/stream?token=" + tok
	dial := func() *websocket.Conn {
		t.Helper()
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		return conn
	}
	send := func(conn *websocket.Conn, v interface{}) map[string]interface{} {
		t.Helper()
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("write: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var got map[string]interface{}
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("read: %v", err)
		}
		return got
	}

	first, second := dial(), dial()
	defer second.Close()
	for _, conn := range []*websocket.Conn{first, second} {
		if got := send(conn, gin.H{"action": "ping"}); got["event"] != "pong" {
			t.Fatalf("ping reply = %v, want pong", got)
		}
	}

	// Closing a duplicate tab leaves the attempt running.
	_ = first.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = first.Close()
	time.Sleep(200 * time.Millisecond)

	q1 := env.exam.Questions[0].ID.String()
	if got := send(second, gin.H{"action": "answer", "question_id": q1, "option": "B"}); got["event"] != "saved" {
		t.Fatalf("answer on remaining tab = %v, want saved", got)
	}
	if _, err := env.svc.Result(context.Background(), env.exam.ID, 12); !errors.Is(err, attempt.ErrResultNotFound) {
		t.Fatalf("Result() with a tab open error = %v, want ErrResultNotFound", err)
	}

	// The last tab going away starts the (zero) grace and submits.
	_ = second.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = second.Close()
	deadline := time.Now().Add(5 * time.Second)
	for {
		r, err := env.svc.Result(context.Background(), env.exam.ID, 12)
		if err == nil {
			if r.Score != 3 {
				t.Fatalf("Result() score = %d, want 3", r.Score)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Result() after last close error = %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
