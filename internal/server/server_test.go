package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"greenlight/internal/config"
	"greenlight/internal/db"
	"greenlight/internal/directory"
	"greenlight/internal/domain"
	"greenlight/internal/engine"
	"greenlight/internal/migrate"
	"greenlight/internal/repo"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("acme")
	e := engine.New(conn, directory.SQL{DB: conn}, cfg)

	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin seed tx: %v", err)
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureOrg(ctx, tx, "acme", "Acme", ts); err != nil {
		t.Fatalf("seed org: %v", err)
	}
	employees := []domain.Employee{
		{ID: "carol", OrgID: "acme", Name: "Carol"},
		{ID: "bob", OrgID: "acme", Name: "Bob", ManagerID: strPtr("carol")},
		{ID: "alice", OrgID: "acme", Name: "Alice", ManagerID: strPtr("bob")},
		{ID: "dana", OrgID: "acme", Name: "Dana"},
	}
	for _, emp := range employees {
		emp.CreatedAt = ts
		if err := e.Repo.UpsertEmployee(ctx, tx, emp); err != nil {
			t.Fatalf("seed employee %s: %v", emp.ID, err)
		}
	}
	if err := e.Repo.AssignOrgRole(ctx, tx, "acme", "dana", "workflow-admin"); err != nil {
		t.Fatalf("seed role: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}

	handler, err := New(ctx, Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func strPtr(s string) *string { return &s }

func actorHeader(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func importTestDefinition(t *testing.T, srv *testServer) DefinitionResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/definitions", map[string]any{
		"org_id":      "acme",
		"module_type": "leave_request",
		"name":        "Leave approvals",
		"levels": []map[string]any{
			{"level": 1, "approver_kind": "reporting_manager", "mandatory": true},
			{"level": 2, "approver_kind": "specific_user", "approver_ref": "carol", "mandatory": true},
		},
	}, actorHeader("dana"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("import definition: %d %s", res.StatusCode, string(data))
	}
	var def DefinitionResponse
	if err := json.Unmarshal(data, &def); err != nil {
		t.Fatalf("unmarshal definition: %v", err)
	}
	return def
}

func TestWorkflowApprovalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	def := importTestDefinition(t, srv)

	startRes, startBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows", map[string]any{
		"definition_id": def.ID,
		"entity_type":   "leave_request",
		"entity_id":     "lr-100",
		"metadata":      map[string]any{"days": 5},
	}, actorHeader("alice"))
	if startRes.StatusCode != http.StatusCreated {
		t.Fatalf("start workflow: %d %s", startRes.StatusCode, string(startBody))
	}
	var started InstanceResponse
	if err := json.Unmarshal(startBody, &started); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}
	if started.Instance.Status != domain.InstanceInProgress {
		t.Fatalf("expected in_progress, got %s", started.Instance.Status)
	}
	if len(started.Steps) != 1 || started.Steps[0].ApproverID != "bob" {
		t.Fatalf("expected one step for bob, got %+v", started.Steps)
	}

	approveRes, approveBody := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/steps/"+started.Steps[0].ID+"/approve",
		map[string]any{"comment": "looks fine"}, actorHeader("bob"))
	if approveRes.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", approveRes.StatusCode, string(approveBody))
	}
	var afterApprove InstanceResponse
	_ = json.Unmarshal(approveBody, &afterApprove)
	if afterApprove.Instance.CurrentLevel != 2 {
		t.Fatalf("expected level 2, got %d", afterApprove.Instance.CurrentLevel)
	}

	pendingRes, pendingBody := doJSON(t, client, http.MethodGet,
		srv.URL+"/v0/approvals/pending", nil, actorHeader("carol"))
	if pendingRes.StatusCode != http.StatusOK {
		t.Fatalf("pending approvals: %d %s", pendingRes.StatusCode, string(pendingBody))
	}
	var pending []domain.ApprovalStep
	_ = json.Unmarshal(pendingBody, &pending)
	if len(pending) != 1 {
		t.Fatalf("expected one pending step for carol, got %+v", pending)
	}

	finalRes, finalBody := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/steps/"+pending[0].ID+"/approve", map[string]any{}, actorHeader("carol"))
	if finalRes.StatusCode != http.StatusOK {
		t.Fatalf("final approve: %d %s", finalRes.StatusCode, string(finalBody))
	}
	var final InstanceResponse
	_ = json.Unmarshal(finalBody, &final)
	if final.Instance.Status != domain.InstanceApproved {
		t.Fatalf("expected approved, got %s", final.Instance.Status)
	}

	histRes, histBody := doJSON(t, client, http.MethodGet,
		srv.URL+"/v0/workflows/"+final.Instance.ID+"/history", nil, actorHeader("alice"))
	if histRes.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", histRes.StatusCode, string(histBody))
	}
	var entries []domain.HistoryEntry
	_ = json.Unmarshal(histBody, &entries)
	if len(entries) == 0 || entries[len(entries)-1].Action != "workflow.approved" {
		t.Fatalf("unexpected audit trail: %+v", entries)
	}
}

func TestDuplicateWorkflowConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	def := importTestDefinition(t, srv)

	body := map[string]any{
		"definition_id": def.ID,
		"entity_type":   "leave_request",
		"entity_id":     "lr-dup",
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows", body, actorHeader("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first start: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows", body, actorHeader("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "duplicate_workflow" {
		t.Fatalf("expected duplicate_workflow, got %s", code)
	}
}

func TestStepActionAuthorization(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	def := importTestDefinition(t, srv)

	_, startBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows", map[string]any{
		"definition_id": def.ID,
		"entity_type":   "leave_request",
		"entity_id":     "lr-authz",
	}, actorHeader("alice"))
	var started InstanceResponse
	_ = json.Unmarshal(startBody, &started)

	res, data := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/steps/"+started.Steps[0].ID+"/approve", map[string]any{}, actorHeader("dana"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/approvals/pending", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %s", code)
	}

	// Health stays open.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	claims := jwt.RegisteredClaims{
		Subject:   "carol",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/approvals/pending", nil,
		map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt auth: %d %s", res.StatusCode, string(data))
	}

	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign bad token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/approvals/pending", nil,
		map[string]string{"Authorization": "Bearer " + bad})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	key := "glk_test_key"
	err := srv.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        "key-1",
		ActorID:   "carol",
		Name:      "ci",
		KeyHash:   repo.HashAPIKey(key),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/approvals/pending", nil,
		map[string]string{"X-Api-Key": key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/approvals/pending", nil,
		map[string]string{"X-Api-Key": "glk_wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d %s", res.StatusCode, string(data))
	}
}

func TestDelegationRules(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	now := time.Now().UTC()
	createRes, createBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/delegations", map[string]any{
		"org_id":         "acme",
		"delegator_id":   "bob",
		"delegate_id":    "dana",
		"effective_from": now.Add(-time.Hour).Format(time.RFC3339),
		"effective_to":   now.Add(24 * time.Hour).Format(time.RFC3339),
	}, actorHeader("bob"))
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create delegation: %d %s", createRes.StatusCode, string(createBody))
	}
	var rule domain.DelegationRule
	_ = json.Unmarshal(createBody, &rule)

	// With the rule in force, new steps for bob land on dana.
	def := importTestDefinition(t, srv)
	_, startBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows", map[string]any{
		"definition_id": def.ID,
		"entity_type":   "leave_request",
		"entity_id":     "lr-del",
	}, actorHeader("alice"))
	var started InstanceResponse
	_ = json.Unmarshal(startBody, &started)
	if len(started.Steps) != 1 || started.Steps[0].ApproverID != "dana" {
		t.Fatalf("expected step assigned to delegate, got %+v", started.Steps)
	}

	listRes, listBody := doJSON(t, client, http.MethodGet,
		srv.URL+"/v0/delegations?org_id=acme&delegator_id=bob", nil, actorHeader("bob"))
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list delegations: %d %s", listRes.StatusCode, string(listBody))
	}
	var rules []domain.DelegationRule
	_ = json.Unmarshal(listBody, &rules)
	if len(rules) != 1 || rules[0].ID != rule.ID {
		t.Fatalf("rules: %+v", rules)
	}

	delRes, delBody := doJSON(t, client, http.MethodDelete,
		srv.URL+"/v0/delegations/"+rule.ID, nil, actorHeader("bob"))
	if delRes.StatusCode >= 300 {
		t.Fatalf("delete delegation: %d %s", delRes.StatusCode, string(delBody))
	}
}

func TestInvalidDefinitionRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/definitions", map[string]any{
		"org_id":      "acme",
		"module_type": "leave_request",
		"name":        "No mandatory levels",
		"levels": []map[string]any{
			{"level": 1, "approver_kind": "reporting_manager", "skippable": true},
		},
	}, actorHeader("dana"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "definition_invalid" {
		t.Fatalf("expected definition_invalid, got %s", code)
	}
}
