package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/server"
)

const testSecret = "server-test-secret"

type apiEnv struct {
	Server *httptest.Server
	Engine engine.Engine
	Ctx    context.Context
}

func newAPIEnv(t *testing.T) apiEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("acme")
	eng := engine.New(conn, cfg)
	ctx := context.Background()
	if _, err := eng.InitTenant(ctx, domain.Tenant{ID: "acme", Name: "Acme"}, cfg); err != nil {
		t.Fatalf("init tenant: %v", err)
	}
	if err := eng.Repo.UpsertMember(ctx, domain.Member{TenantID: "acme", ActorID: "tester", Role: "admin"}); err != nil {
		t.Fatalf("seed member: %v", err)
	}
	handler, err := server.New(server.Config{
		Engine: eng,
		Auth:   server.AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return apiEnv{Server: srv, Engine: eng, Ctx: ctx}
}

func signToken(t *testing.T, actor, tenant, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": actor,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if tenant != "" {
		claims["tenant_id"] = tenant
	}
	if role != "" {
		claims["role"] = role
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Message   string `json:"message"`
		Code      string `json:"code"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
	Metadata struct {
		RequestID string `json:"request_id"`
		Timestamp string `json:"timestamp"`
	} `json:"metadata"`
}

func (env apiEnv) call(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, env.Server.URL+path, payload)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		t.Fatalf("%s %s: bad envelope %q: %v", method, path, raw, err)
	}
	return resp.StatusCode, e
}

func (env apiEnv) firstQuestion(t *testing.T) (string, string) {
	t.Helper()
	stages, err := env.Engine.Repo.ListStages(env.Ctx, "acme", true)
	if err != nil || len(stages) == 0 {
		t.Fatalf("list stages: %v", err)
	}
	questions, err := env.Engine.Repo.ListQuestions(env.Ctx, stages[0].ID)
	if err != nil || len(questions) == 0 {
		t.Fatalf("list questions: %v", err)
	}
	return stages[0].ID, questions[0].ID
}

func TestHealthNeedsNoAuth(t *testing.T) {
	env := newAPIEnv(t)
	status, e := env.call(t, http.MethodGet, "/v1/health", "", nil)
	if status != http.StatusOK || !e.Success {
		t.Fatalf("status %d, envelope %+v", status, e)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	env := newAPIEnv(t)
	status, e := env.call(t, http.MethodGet, "/v1/jobs?tenant_id=acme", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d", status)
	}
	if e.Success || e.Error == nil || e.Error.Code != "unauthorized" {
		t.Fatalf("envelope = %+v", e)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	env := newAPIEnv(t)
	status, e := env.call(t, http.MethodGet, "/v1/jobs?tenant_id=acme", "not-a-jwt", nil)
	if status != http.StatusUnauthorized || e.Error == nil || e.Error.Code != "invalid_credentials" {
		t.Fatalf("status %d, envelope %+v", status, e)
	}
}

func TestCreateJobAndRespond(t *testing.T) {
	env := newAPIEnv(t)
	token := signToken(t, "tester", "acme", "admin")

	status, e := env.call(t, http.MethodPost, "/v1/jobs", token, map[string]string{"name": "Acme deal"})
	if status != http.StatusCreated || !e.Success {
		t.Fatalf("create: status %d, envelope %+v", status, e)
	}
	var created struct {
		Action string `json:"action"`
		Job    struct {
			ID             string  `json:"id"`
			CurrentStageID *string `json:"current_stage_id"`
		} `json:"job"`
		TasksCreated int `json:"tasks_created"`
	}
	if err := json.Unmarshal(e.Data, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Action != "stage_transition" || created.Job.CurrentStageID == nil || created.TasksCreated != 1 {
		t.Fatalf("progression = %+v", created)
	}
	if e.Metadata.RequestID == "" {
		t.Fatalf("metadata missing request id")
	}

	_, questionID := env.firstQuestion(t)

	// invalid value: persisted but rejected with the validation code
	status, e = env.call(t, http.MethodPost, fmt.Sprintf("/v1/jobs/%s/responses", created.Job.ID), token,
		map[string]string{"question_id": questionID, "value": "maybe"})
	if status != http.StatusBadRequest || e.Error == nil || e.Error.Code != "validation_failed" {
		t.Fatalf("invalid value: status %d, envelope %+v", status, e)
	}

	status, e = env.call(t, http.MethodPost, fmt.Sprintf("/v1/jobs/%s/responses", created.Job.ID), token,
		map[string]string{"question_id": questionID, "value": "Yes"})
	if status != http.StatusOK || !e.Success {
		t.Fatalf("respond: status %d, envelope %+v", status, e)
	}
	var moved struct {
		Action    string  `json:"action"`
		ToStageID *string `json:"to_stage_id"`
	}
	if err := json.Unmarshal(e.Data, &moved); err != nil {
		t.Fatal(err)
	}
	if moved.Action != "stage_transition" || moved.ToStageID == nil {
		t.Fatalf("progression = %+v", moved)
	}

	status, e = env.call(t, http.MethodGet, fmt.Sprintf("/v1/jobs/%s/audit-history", created.Job.ID), token, nil)
	if status != http.StatusOK {
		t.Fatalf("audit: status %d", status)
	}
	var entries []map[string]any
	if err := json.Unmarshal(e.Data, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("audit entries = %d", len(entries))
	}
	// creation, the rejected value, then the transition
	for i, want := range []string{"system_auto", "error", "question_response"} {
		if got := entries[i]["trigger_source"]; got != want {
			t.Fatalf("entries[%d].trigger_source = %v, want %s", i, got, want)
		}
	}
}

func TestOverrideRequiresReason(t *testing.T) {
	env := newAPIEnv(t)
	token := signToken(t, "tester", "acme", "admin")
	_, e := env.call(t, http.MethodPost, "/v1/jobs", token, map[string]string{"name": "deal"})
	var created struct {
		Job struct {
			ID string `json:"id"`
		} `json:"job"`
	}
	if err := json.Unmarshal(e.Data, &created); err != nil {
		t.Fatal(err)
	}
	stages, _ := env.Engine.Repo.ListStages(env.Ctx, "acme", true)
	target := stages[len(stages)-1].ID

	status, e := env.call(t, http.MethodPost, fmt.Sprintf("/v1/jobs/%s/overrides", created.Job.ID), token,
		map[string]string{"target_stage_id": target})
	if status != http.StatusBadRequest || e.Error == nil || e.Error.Code != "validation_failed" {
		t.Fatalf("status %d, envelope %+v", status, e)
	}

	status, _ = env.call(t, http.MethodPost, fmt.Sprintf("/v1/jobs/%s/overrides", created.Job.ID), token,
		map[string]string{"target_stage_id": target, "reason": "fast-tracked by management"})
	if status != http.StatusOK {
		t.Fatalf("override with reason: status %d", status)
	}
}

func TestOverrideNeedsAdminRole(t *testing.T) {
	env := newAPIEnv(t)
	admin := signToken(t, "tester", "acme", "admin")
	agent := signToken(t, "worker", "acme", "agent")

	_, e := env.call(t, http.MethodPost, "/v1/jobs", admin, map[string]string{"name": "deal"})
	var created struct {
		Job struct {
			ID string `json:"id"`
		} `json:"job"`
	}
	if err := json.Unmarshal(e.Data, &created); err != nil {
		t.Fatal(err)
	}
	stages, _ := env.Engine.Repo.ListStages(env.Ctx, "acme", true)

	status, e := env.call(t, http.MethodPost, fmt.Sprintf("/v1/jobs/%s/overrides", created.Job.ID), agent,
		map[string]string{"target_stage_id": stages[1].ID, "reason": "should not work"})
	if status != http.StatusForbidden || e.Error == nil || e.Error.Code != "access_denied" {
		t.Fatalf("status %d, envelope %+v", status, e)
	}
}

func TestCrossTenantQueryDenied(t *testing.T) {
	env := newAPIEnv(t)
	token := signToken(t, "tester", "acme", "admin")
	status, e := env.call(t, http.MethodGet, "/v1/jobs?tenant_id=rival", token, nil)
	if status != http.StatusForbidden || e.Error == nil || e.Error.Code != "access_denied" {
		t.Fatalf("status %d, envelope %+v", status, e)
	}
}

func TestTenantIDRequiredForUnscopedCredential(t *testing.T) {
	env := newAPIEnv(t)
	operator := signToken(t, "ops", "", "")
	status, e := env.call(t, http.MethodGet, "/v1/jobs", operator, nil)
	if status != http.StatusBadRequest || e.Error == nil || e.Error.Code != "validation_failed" {
		t.Fatalf("status %d, envelope %+v", status, e)
	}

	status, _ = env.call(t, http.MethodGet, "/v1/jobs?tenant_id=acme", operator, nil)
	if status != http.StatusOK {
		t.Fatalf("operator with explicit tenant: status %d", status)
	}
}

func TestLegacyActorHeader(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("acme"))
	if _, err := eng.InitTenant(context.Background(), domain.Tenant{ID: "acme", Name: "Acme"}, nil); err != nil {
		t.Fatalf("init tenant: %v", err)
	}
	handler, err := server.New(server.Config{
		Engine: eng,
		Auth:   server.AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/jobs?tenant_id=acme", nil)
	req.Header.Set("X-Actor-Id", "legacy-user")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCreateAPIKeyAndUseIt(t *testing.T) {
	env := newAPIEnv(t)
	admin := signToken(t, "tester", "acme", "admin")

	status, e := env.call(t, http.MethodPost, "/v1/api-keys?tenant_id=acme", admin,
		map[string]string{"actor_id": "bot", "role": "agent", "name": "ci bot"})
	if status != http.StatusCreated || !e.Success {
		t.Fatalf("create key: status %d, envelope %+v", status, e)
	}
	var key struct {
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(e.Data, &key); err != nil {
		t.Fatal(err)
	}
	if key.Secret == "" {
		t.Fatalf("secret not returned on creation")
	}

	req, _ := http.NewRequest(http.MethodGet, env.Server.URL+"/v1/jobs", nil)
	req.Header.Set("X-Api-Key", key.Secret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("api key request: status %d", resp.StatusCode)
	}
}
