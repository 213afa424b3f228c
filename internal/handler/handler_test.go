package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/prognosis/internal/auth"
	"github.com/pavelanni/prognosis/internal/cache"
	appI18n "github.com/pavelanni/prognosis/internal/i18n"
	"github.com/pavelanni/prognosis/internal/model"
	"github.com/pavelanni/prognosis/internal/practice"
	"github.com/pavelanni/prognosis/internal/stats"
	"github.com/pavelanni/prognosis/internal/store"
)

func TestMain(m *testing.M) {
	if err := appI18n.Init("en"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type stubLLM struct{ reply string }

func (s stubLLM) Generate(context.Context, string) (string, error) { return s.reply, nil }

type testEnv struct {
	srv    *httptest.Server
	store  *store.SQLStore
	tokens *auth.Tokens
	social *auth.Tokens
}

func newTestEnv(t *testing.T, socialSecret string) *testEnv {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	st := stats.NewService(s, cache.NewMemory(time.Minute))
	p := practice.NewService(s, stubLLM{reply: "I feel dizzy."}, st)
	if _, err := p.EnsureCatalog(context.Background()); err != nil {
		t.Fatalf("EnsureCatalog: %v", err)
	}
	tokens := auth.NewTokens("test-secret", "prognosis", time.Hour)
	social := auth.NewTokens(socialSecret, "social-idp", time.Hour)
	h := New(s, p, st, tokens, social, Config{Version: "test"})

	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: s, tokens: tokens, social: social}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) register(t *testing.T, email string) (token, userID string) {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": email, "password": "pw", "name": strings.Split(email, "@")[0],
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d, body %v", email, resp.StatusCode, body)
	}
	return body["token"].(string), body["user_id"].(string)
}

func expectStatus(t *testing.T, resp *http.Response, body map[string]any, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d (body %v)", want, resp.StatusCode, body)
	}
	if want >= 400 {
		if msg, _ := body["error"].(string); msg == "" {
			t.Errorf("error responses must carry an error message, got %v", body)
		}
	}
}

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t, "")

	token, userID := env.register(t, "ann@example.com")
	if token == "" || userID == "" {
		t.Fatal("expected token and user id")
	}

	resp, body := env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"email": "ann@example.com", "password": "x"})
	expectStatus(t, resp, body, http.StatusBadRequest)
	if body["error"] != "Email already exists" {
		t.Errorf("unexpected message %v", body["error"])
	}

	resp, body = env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"email": ""})
	expectStatus(t, resp, body, http.StatusBadRequest)

	resp, body = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ann@example.com", "password": "pw"})
	expectStatus(t, resp, body, http.StatusOK)
	if body["user_id"] != userID {
		t.Errorf("login returned user %v, want %s", body["user_id"], userID)
	}

	resp, body = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ann@example.com", "password": "nope"})
	expectStatus(t, resp, body, http.StatusUnauthorized)

	resp, body = env.do(t, http.MethodGet, "/api/sessions", "", nil)
	expectStatus(t, resp, body, http.StatusUnauthorized)
	resp, body = env.do(t, http.MethodGet, "/api/sessions", "garbage", nil)
	expectStatus(t, resp, body, http.StatusUnauthorized)

	resp, body = env.do(t, http.MethodPost, "/api/auth/social", "anything", nil)
	expectStatus(t, resp, body, http.StatusNotImplemented)
}

func TestSocialAuth(t *testing.T) {
	env := newTestEnv(t, "social-secret")

	idToken, err := env.social.Issue(auth.Identity{UID: "g-42", Email: "Bob@Example.com", Name: "Bob"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	resp, body := env.do(t, http.MethodPost, "/api/auth/social", idToken, nil)
	expectStatus(t, resp, body, http.StatusCreated)
	first := body["user_id"]

	resp, body = env.do(t, http.MethodPost, "/api/auth/social", idToken, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if body["user_id"] != first {
		t.Errorf("second sign-in should reuse the user, got %v vs %v", body["user_id"], first)
	}

	// The returned first-party token works on protected routes.
	resp, body = env.do(t, http.MethodGet, "/api/profile", body["token"].(string), nil)
	expectStatus(t, resp, body, http.StatusOK)

	// A first-party token is not accepted as a social token.
	own, _ := env.tokens.Issue(auth.Identity{UID: "g-42"})
	resp, body = env.do(t, http.MethodPost, "/api/auth/social", own, nil)
	expectStatus(t, resp, body, http.StatusUnauthorized)
}

func TestPracticeFlow(t *testing.T) {
	env := newTestEnv(t, "")
	token, _ := env.register(t, "ann@example.com")
	other, _ := env.register(t, "eve@example.com")

	resp, body := env.do(t, http.MethodGet, "/api/case/start", token, nil)
	expectStatus(t, resp, body, http.StatusOK)
	sessionID := body["session_id"].(string)
	pub := body["case"].(map[string]any)
	for _, hidden := range []string{"correct_diagnosis", "correct_treatment", "system_instruction"} {
		if _, ok := pub[hidden]; ok {
			t.Errorf("public case must not expose %s", hidden)
		}
	}

	resp, body = env.do(t, http.MethodPost, "/api/case/respond", token, map[string]string{"session_id": sessionID, "user_input": "How do you feel?"})
	expectStatus(t, resp, body, http.StatusOK)
	if body["ai_response"] != "I feel dizzy." {
		t.Errorf("unexpected answer %v", body["ai_response"])
	}

	resp, body = env.do(t, http.MethodPost, "/api/case/respond", token, map[string]string{"session_id": sessionID})
	expectStatus(t, resp, body, http.StatusBadRequest)

	resp, body = env.do(t, http.MethodPost, "/api/case/respond", other, map[string]string{"session_id": sessionID, "user_input": "hi"})
	expectStatus(t, resp, body, http.StatusForbidden)

	resp, body = env.do(t, http.MethodPost, "/api/case/respond", token, map[string]string{"session_id": "missing", "user_input": "hi"})
	expectStatus(t, resp, body, http.StatusNotFound)

	resp, body = env.do(t, http.MethodPost, "/api/case/submit", token, map[string]string{
		"session_id": sessionID, "diagnosis": "unknown", "treatment": "rest",
	})
	expectStatus(t, resp, body, http.StatusOK)
	score := int(body["score"].(float64))
	if score != 40 && score != 50 {
		t.Errorf("a wrong diagnosis scores 40 or 50, got %d", score)
	}
	if body["correct_diagnosis"] == "" || body["feedback"] != "I feel dizzy." {
		t.Errorf("unexpected submit body %v", body)
	}

	resp, body = env.do(t, http.MethodPost, "/api/case/submit", token, map[string]string{
		"session_id": sessionID, "diagnosis": "x", "treatment": "y",
	})
	expectStatus(t, resp, body, http.StatusConflict)

	resp, body = env.do(t, http.MethodGet, "/api/sessions", token, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if list := body["sessions"].([]any); len(list) != 1 {
		t.Errorf("expected 1 session, got %d", len(list))
	}

	resp, body = env.do(t, http.MethodGet, "/api/session/"+sessionID, token, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if history := body["chat_history"].([]any); len(history) != 1 {
		t.Errorf("expected 1 turn, got %d", len(history))
	}
	if body["status"] != string(model.StatusCompleted) {
		t.Errorf("expected completed, got %v", body["status"])
	}

	resp, body = env.do(t, http.MethodGet, "/api/session/"+sessionID, other, nil)
	expectStatus(t, resp, body, http.StatusForbidden)
}

func TestLeaderboardAndProfile(t *testing.T) {
	env := newTestEnv(t, "")
	token, userID := env.register(t, "ann@example.com")
	other, _ := env.register(t, "eve@example.com")

	resp, body := env.do(t, http.MethodGet, "/api/case/start", token, nil)
	expectStatus(t, resp, body, http.StatusOK)
	sessionID := body["session_id"].(string)
	resp, body = env.do(t, http.MethodPost, "/api/case/submit", token, map[string]string{
		"session_id": sessionID, "diagnosis": "unknown", "treatment": "rest",
	})
	expectStatus(t, resp, body, http.StatusOK)

	resp, body = env.do(t, http.MethodGet, "/api/leaderboard?timeframe=week", "", nil)
	expectStatus(t, resp, body, http.StatusOK)
	entries := body["leaderboard"].([]any)
	if len(entries) != 1 {
		t.Fatalf("expected only users with completed sessions, got %d", len(entries))
	}
	top := entries[0].(map[string]any)
	if top["id"] != userID || top["rank"].(float64) != 1 || top["name"] != "ann" {
		t.Errorf("unexpected entry %v", top)
	}

	resp, body = env.do(t, http.MethodGet, "/api/leaderboard?timeframe=decade", "", nil)
	expectStatus(t, resp, body, http.StatusBadRequest)
	resp, body = env.do(t, http.MethodGet, "/api/leaderboard?limit=abc", "", nil)
	expectStatus(t, resp, body, http.StatusBadRequest)

	resp, body = env.do(t, http.MethodGet, "/api/profile", token, nil)
	expectStatus(t, resp, body, http.StatusOK)
	user := body["user"].(map[string]any)
	if user["email"] != "ann@example.com" {
		t.Errorf("own profile should include email, got %v", user)
	}
	achievements := body["achievements"].([]any)
	if len(achievements) == 0 {
		t.Fatal("expected first_case achievement")
	}
	first := achievements[0].(map[string]any)
	if first["id"] != "first_case" || first["name"] != "First Steps" {
		t.Errorf("unexpected achievement %v", first)
	}

	resp, body = env.do(t, http.MethodGet, "/api/profile/"+userID, other, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if user := body["user"].(map[string]any); user["email"] != nil {
		t.Errorf("other users must not see email, got %v", user["email"])
	}

	resp, body = env.do(t, http.MethodGet, "/api/profile/missing", token, nil)
	expectStatus(t, resp, body, http.StatusNotFound)
}

func TestAdminReset(t *testing.T) {
	env := newTestEnv(t, "")
	token, _ := env.register(t, "ann@example.com")

	resp, body := env.do(t, http.MethodPost, "/api/admin/reset-cases", token, nil)
	expectStatus(t, resp, body, http.StatusForbidden)

	hash, _ := auth.HashPassword("root")
	if _, err := env.store.CreateUser(context.Background(), model.User{Email: "admin@example.com", PasswordHash: hash, Role: model.UserRoleAdmin}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	resp, body = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "admin@example.com", "password": "root"})
	expectStatus(t, resp, body, http.StatusOK)
	admin := body["token"].(string)

	resp, body = env.do(t, http.MethodPost, "/api/admin/reset-cases", admin, nil)
	expectStatus(t, resp, body, http.StatusOK)
	deleted, restored := body["deleted"].(float64), body["restored"].(float64)
	if deleted == 0 || restored != deleted {
		t.Errorf("expected the catalog deleted and restored, got %v", body)
	}
	if count, _ := env.store.CaseCount(context.Background()); count != int(restored) {
		t.Errorf("expected %v cases after reset, got %d", restored, count)
	}

	resp, body = env.do(t, http.MethodGet, "/api/case/start", token, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if c := body["case"].(map[string]any); c["case_type"] != string(model.CaseTypePredefined) {
		t.Errorf("expected a predefined case after reset, got %v", c["case_type"])
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")
	resp, body := env.do(t, http.MethodGet, "/health", "", nil)
	expectStatus(t, resp, body, http.StatusOK)
	if body["status"] != "ok" || body["cases"].(float64) == 0 {
		t.Errorf("unexpected health body %v", body)
	}
	resp, body = env.do(t, http.MethodGet, "/", "", nil)
	expectStatus(t, resp, body, http.StatusOK)
	if body["message"] != "Prognosis API is running" {
		t.Errorf("unexpected index body %v", body)
	}
}

func TestLocalizedErrors(t *testing.T) {
	env := newTestEnv(t, "")
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/sessions", nil)
	req.Header.Set("Accept-Language", "ru")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["error"] != "Требуется токен авторизации" {
		t.Errorf("expected Russian message, got %q", body["error"])
	}
}
