package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ex10-server/internal/companion"
	"ex10-server/internal/middleware"
	"ex10-server/internal/proxy"
	"ex10-server/internal/sandbox"
	"ex10-server/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeService struct {
	mu       sync.Mutex
	sessions map[string]session.Session
	createFn func(ctx context.Context, progress session.ProgressFunc) (session.Session, error)
	report   session.CleanupReport
	writes   []string
	writeErr error
	ctxErr   error
}

func newFakeService() *fakeService {
	return &fakeService{sessions: map[string]session.Session{}}
}

func (f *fakeService) CreateSession(ctx context.Context, progress session.ProgressFunc) (session.Session, error) {
	return f.createFn(ctx, progress)
}

func (f *fakeService) CleanupSession(ctx context.Context, id string) (session.CleanupReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return session.CleanupReport{SessionID: id}, session.ErrSessionNotFound
	}
	delete(f.sessions, id)
	r := f.report
	r.SessionID = id
	return r, nil
}

func (f *fakeService) GetSessionByID(id string) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeService) WriteFile(ctx context.Context, sessionID, relPath string, content []byte) (string, error) {
	if _, err := f.GetSessionByID(sessionID); err != nil {
		return "", err
	}
	if _, err := sandbox.CleanRelativePath(relPath); err != nil {
		return "", err
	}
	if f.writeErr != nil {
		return "", f.writeErr
	}
	f.mu.Lock()
	f.writes = append(f.writes, relPath+"="+string(content))
	f.ctxErr = ctx.Err()
	f.mu.Unlock()
	return "/home/u/ext/" + relPath, nil
}

func (f *fakeService) List() []session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

type fakeCompanion struct {
	dom       string
	err       error
	connected map[string]bool
}

func (f *fakeCompanion) RequestDOM(ctx context.Context, id string) (string, error) {
	return f.dom, f.err
}

func (f *fakeCompanion) IsConnected(id string) bool { return f.connected[id] }
func (f *fakeCompanion) Len() int                   { return len(f.connected) }

type fakeProxies map[string]bool

func (f fakeProxies) Lookup(id string) (proxy.Target, bool) { return nil, f[id] }
func (f fakeProxies) Len() int                              { return len(f) }

func content(s string) *string { return &s }

type fixture struct {
	svc       *fakeService
	companion *fakeCompanion
	proxies   fakeProxies
	engine    *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		svc:       newFakeService(),
		companion: &fakeCompanion{connected: map[string]bool{}},
		proxies:   fakeProxies{},
	}
	f.svc.sessions["abc"] = session.Session{ID: "abc", Username: "ex10_deadbeef", DisplayPort: 10001, CreatedAt: time.Now().UTC()}
	h := NewHandler(f.svc, f.companion, f.proxies, zaptest.NewLogger(t))
	f.engine = NewRouter(h, RouterOptions{Logger: zaptest.NewLogger(t), ExposeMetrics: true})
	return f
}

func (f *fixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func readStream(t *testing.T, body string) []StreamRecord {
	t.Helper()
	var records []StreamRecord
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		var rec StreamRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec), sc.Text())
		records = append(records, rec)
	}
	return records
}

func TestCreateSession_Streams(t *testing.T) {
	f := newFixture(t)
	var detached error
	f.svc.createFn = func(ctx context.Context, progress session.ProgressFunc) (session.Session, error) {
		detached = ctx.Err()
		progress(session.Progress{Step: session.StepPort, Message: "Allocated display port 10002"})
		progress(session.Progress{Step: session.StepUser, Message: "Created sandbox user"})
		return session.Session{ID: "new-id", DisplayPort: 10002, IsNew: true}, nil
	}

	w := f.do(http.MethodGet, "/createSession", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))
	assert.True(t, w.Flushed)
	assert.NoError(t, detached)

	records := readStream(t, w.Body.String())
	require.Len(t, records, 4)
	for _, rec := range records[:3] {
		assert.Equal(t, StatusRunning, rec.Status)
	}
	last := records[3]
	assert.Equal(t, StatusComplete, last.Status)
	data := last.Data.(map[string]interface{})
	assert.Equal(t, "new-id", data["sessionId"])
	assert.Equal(t, true, data["isNew"])
}

func TestCreateSession_ErrorRecord(t *testing.T) {
	f := newFixture(t)
	f.svc.createFn = func(ctx context.Context, progress session.ProgressFunc) (session.Session, error) {
		return session.Session{}, &session.ProvisioningError{SessionID: "half", Step: session.StepNetwork, Err: errors.New("iptables: exit 4")}
	}

	w := f.do(http.MethodGet, "/createSession", nil)
	records := readStream(t, w.Body.String())
	require.NotEmpty(t, records)
	last := records[len(records)-1]
	assert.Equal(t, StatusError, last.Status)
	data := last.Data.(map[string]interface{})
	assert.Equal(t, "network", data["step"])
	assert.Equal(t, "half", data["sessionId"])
	assert.Contains(t, data["error"], "iptables")
}

func TestCreateSession_RateLimited(t *testing.T) {
	svc := newFakeService()
	svc.createFn = func(ctx context.Context, progress session.ProgressFunc) (session.Session, error) {
		return session.Session{ID: "x", IsNew: true}, nil
	}
	h := NewHandler(svc, &fakeCompanion{}, fakeProxies{}, zaptest.NewLogger(t))
	engine := NewRouter(h, RouterOptions{CreateLimiter: middleware.PerMinute(60, 1)})

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/createSession", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t)
	f.svc.report = session.CleanupReport{Success: true}

	w := f.do(http.MethodDelete, "/session/abc", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])

	w = f.do(http.MethodDelete, "/session/abc", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, decode(t, w)["success"])
}

func TestDeleteSession_PartialFailure(t *testing.T) {
	f := newFixture(t)
	f.svc.report = session.CleanupReport{Success: false, Errors: []string{"network: chain busy"}}

	w := f.do(http.MethodDelete, "/session/abc", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, []interface{}{"network: chain busy"}, body["errors"])
}

func TestUpdateCode(t *testing.T) {
	tests := []struct {
		name   string
		body   interface{}
		status int
	}{
		{"ok", UpdateCodeRequest{SessionID: "abc", Code: &CodeFile{FilePath: "x/y.js", FileContent: content("let a"), FileFinished: true}}, http.StatusOK},
		{"missing code", map[string]string{"sessionId": "abc"}, http.StatusBadRequest},
		{"missing session id", UpdateCodeRequest{Code: &CodeFile{FilePath: "x.js", FileContent: content("x")}}, http.StatusBadRequest},
		{"missing file path", UpdateCodeRequest{SessionID: "abc", Code: &CodeFile{FileContent: content("x")}}, http.StatusBadRequest},
		{"missing file content", UpdateCodeRequest{SessionID: "abc", Code: &CodeFile{FilePath: "x/y.js"}}, http.StatusBadRequest},
		{"traversal", UpdateCodeRequest{SessionID: "abc", Code: &CodeFile{FilePath: "../../etc/passwd", FileContent: content("x")}}, http.StatusBadRequest},
		{"metacharacters", UpdateCodeRequest{SessionID: "abc", Code: &CodeFile{FilePath: "a;rm.js", FileContent: content("x")}}, http.StatusBadRequest},
		{"unknown session", UpdateCodeRequest{SessionID: "nope", Code: &CodeFile{FilePath: "x.js", FileContent: content("x")}}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := f.do(http.MethodPost, "/updateCode", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())

			body := decode(t, w)
			assert.Equal(t, tt.status == http.StatusOK, body["success"])
			if tt.status == http.StatusOK {
				assert.Equal(t, true, body["file_finished"])
				assert.Equal(t, []string{"x/y.js=let a"}, f.svc.writes)
				assert.NoError(t, f.svc.ctxErr)
			} else {
				assert.Empty(t, f.svc.writes)
			}
		})
	}
}

func TestUpdateCode_EmptyContentIsAFile(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/updateCode", UpdateCodeRequest{SessionID: "abc", Code: &CodeFile{FilePath: "empty.js", FileContent: content("")}})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"empty.js="}, f.svc.writes)
}

func TestUpdateCode_MalformedJSON(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/updateCode", strings.NewReader("{nope"))
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateCode_WriteFailure(t *testing.T) {
	f := newFixture(t)
	f.svc.writeErr = errors.New("tee: permission denied")

	w := f.do(http.MethodPost, "/updateCode", UpdateCodeRequest{SessionID: "abc", Code: &CodeFile{FilePath: "a.js", FileContent: content("x")}})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, decode(t, w)["error"], "permission denied")
}

func TestGetSessionDom(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		f := newFixture(t)
		f.companion.dom = "<html></html>"
		w := f.do(http.MethodGet, "/getSessionDom/abc", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, "<html></html>", body["dom"])
	})

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(http.MethodGet, "/getSessionDom/nope", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("companion timeout", func(t *testing.T) {
		f := newFixture(t)
		f.companion.err = companion.ErrDOMTimeout
		w := f.do(http.MethodGet, "/getSessionDom/abc", nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		body := decode(t, w)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, companion.ErrDOMTimeout.Error(), body["error"])
	})
}

func TestHealthAndStatus(t *testing.T) {
	f := newFixture(t)
	f.companion.connected["abc"] = true
	f.proxies["abc"] = true

	w := f.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	health := decode(t, w)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(1), health["sessions"])
	assert.Equal(t, float64(1), health["companionClients"])

	w = f.do(http.MethodGet, "/sessions/abc", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "abc", data["id"])
	assert.Equal(t, float64(10001), data["displayPort"])
	assert.Equal(t, true, data["companionConnected"])
	assert.Equal(t, true, data["proxyCached"])

	w = f.do(http.MethodGet, "/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/sessions", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 1)

	w = f.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ex10_")
}

func TestUnknownProxySession(t *testing.T) {
	svc := newFakeService()
	h := NewHandler(svc, &fakeCompanion{}, fakeProxies{}, zaptest.NewLogger(t))
	engine := NewRouter(h, RouterOptions{Proxy: proxy.NewRouter(svc, zaptest.NewLogger(t))})

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/session/nope/index.html", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
