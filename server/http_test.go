package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bskracic/cpipe/runner"
	"github.com/bskracic/cpipe/server"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type runBody struct {
	Stage    string `json:"stage"`
	Kind     string `json:"kind"`
	Report   string `json:"report"`
	Segments []struct {
		Label string `json:"label"`
		Text  string `json:"text"`
	} `json:"segments"`
	DurationMs int64 `json:"duration_ms"`
}

type sourceBody struct {
	Source string `json:"source"`
	Saved  bool   `json:"saved"`
}

func newHandler(p runner.Pipeline) http.Handler {
	return server.NewHTTPHandler(p, server.HTTPOptions{SessionSecret: []byte("test-secret")})
}

func do(t *testing.T, h http.Handler, method, path, body string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	w := do(t, newHandler(&echoPipeline{}), http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRunStages(t *testing.T) {
	tests := []struct {
		path  string
		stage runner.Stage
	}{
		{"/api/lexical", runner.StageLexical},
		{"/api/parse-tree", runner.StageParseTree},
		{"/api/compile-and-run", runner.StageCompileAndRun},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			p := &echoPipeline{}
			w := do(t, newHandler(p), http.MethodPost, tt.path, `{"source":"int x;"}`, nil)
			require.Equal(t, http.StatusOK, w.Code)

			var body runBody
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, string(tt.stage), body.Stage)
			assert.Equal(t, "completed", body.Kind)
			assert.Equal(t, tt.stage.Header()+"\n\nint x;", body.Report)
			require.Len(t, body.Segments, 1)
			assert.Equal(t, "int x;", body.Segments[0].Text)
			assert.EqualValues(t, 1500, body.DurationMs)
			assert.Equal(t, string(tt.stage)+":int x;", p.lastCall())
		})
	}
}

func TestRunEmptySourceIsPassedThrough(t *testing.T) {
	p := &echoPipeline{}
	w := do(t, newHandler(p), http.MethodPost, "/api/lexical", `{"source":""}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "lexical:", p.lastCall())
}

func TestRunWithoutBodyUsesSample(t *testing.T) {
	p := &echoPipeline{}
	w := do(t, newHandler(p), http.MethodPost, "/api/compile-and-run", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "compile-and-run:"+runner.SampleProgram, p.lastCall())
}

func TestRunRejectsMalformedBody(t *testing.T) {
	p := &echoPipeline{}
	w := do(t, newHandler(p), http.MethodPost, "/api/lexical", `{"source":`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, p.lastCall())
}

func TestSessionSource(t *testing.T) {
	p := &echoPipeline{}
	h := newHandler(p)

	w := do(t, h, http.MethodGet, "/api/source", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got sourceBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, runner.SampleProgram, got.Source)
	assert.False(t, got.Saved)

	w = do(t, h, http.MethodPut, "/api/source", `{"source":"int main(){return 1;}"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	w = do(t, h, http.MethodGet, "/api/source", "", cookies)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "int main(){return 1;}", got.Source)
	assert.True(t, got.Saved)

	// runs without a body pick up the saved source
	w = do(t, h, http.MethodPost, "/api/parse-tree", "", cookies)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "parse-tree:int main(){return 1;}", p.lastCall())

	// an explicit source wins over the session
	do(t, h, http.MethodPost, "/api/parse-tree", `{"source":"other"}`, cookies)
	assert.Equal(t, "parse-tree:other", p.lastCall())

	w = do(t, h, http.MethodDelete, "/api/source", "", cookies)
	require.Equal(t, http.StatusNoContent, w.Code)
	cleared := w.Result().Cookies()
	require.NotEmpty(t, cleared)

	w = do(t, h, http.MethodGet, "/api/source", "", cleared)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, runner.SampleProgram, got.Source)
	assert.False(t, got.Saved)
}

func TestPutSourceRequiresSource(t *testing.T) {
	w := do(t, newHandler(&echoPipeline{}), http.MethodPut, "/api/source", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/lexical", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()

	newHandler(&echoPipeline{}).ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSessionCookieSecureFlag(t *testing.T) {
	for _, secure := range []bool{false, true} {
		h := server.NewHTTPHandler(&echoPipeline{}, server.HTTPOptions{
			SessionSecret: []byte("test-secret"),
			SecureCookie:  secure,
		})

		w := do(t, h, http.MethodPut, "/api/source", `{"source":"int x;"}`, nil)
		require.Equal(t, http.StatusOK, w.Code)
		cookies := w.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, secure, cookies[0].Secure)
		assert.True(t, cookies[0].HttpOnly)
	}
}
