package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/adrianstier/ProfDash-sub000/internal/config"
	"github.com/adrianstier/ProfDash-sub000/internal/db"
	"github.com/adrianstier/ProfDash-sub000/internal/engine"
	"github.com/adrianstier/ProfDash-sub000/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("proj-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "ws-1", "Test Project", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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
	req.Header.Set("X-Actor-Id", "tester")
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

type phaseBody struct {
	ID             string   `json:"id"`
	Status         string   `json:"status"`
	BlockedBy      []string `json:"blocked_by"`
	ActiveBlockers []string `json:"active_blockers"`
}

type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorBody {
	t.Helper()
	var e errorBody
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return e
}

func TestPhaseGatingOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/proj-1"

	res, data := doJSON(t, client, http.MethodPost, base+"/phases", map[string]any{
		"title": "Discovery",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create first phase: %d %s", res.StatusCode, string(data))
	}
	var first phaseBody
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("unmarshal phase: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/phases", map[string]any{
		"title":      "Design",
		"blocked_by": []string{first.ID},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create second phase: %d %s", res.StatusCode, string(data))
	}
	var second phaseBody
	_ = json.Unmarshal(data, &second)

	// starting a gated phase yields the phase_blocked envelope
	res, data = doJSON(t, client, http.MethodPost, base+"/phases/"+second.ID+"/start", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	envelope := decodeError(t, data)
	if envelope.Error.Code != "phase_blocked" {
		t.Fatalf("expected phase_blocked, got %q", envelope.Error.Code)
	}
	if envelope.Error.Details["blockers"] == nil {
		t.Fatalf("expected blockers detail: %s", string(data))
	}

	for _, p := range []string{"/phases/" + first.ID + "/start", "/phases/" + first.ID + "/complete"} {
		res, data = doJSON(t, client, http.MethodPost, base+p, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d %s", p, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/phases/"+second.ID+"/start", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start after unblock: %d %s", res.StatusCode, string(data))
	}
	var started phaseBody
	_ = json.Unmarshal(data, &started)
	if started.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", started.Status)
	}
}

func TestBlockedByFieldPresence(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/proj-1"

	_, data := doJSON(t, client, http.MethodPost, base+"/phases", map[string]any{"title": "First"}, nil)
	var first phaseBody
	_ = json.Unmarshal(data, &first)

	// omitted blocked_by chains behind the previous phase
	_, data = doJSON(t, client, http.MethodPost, base+"/phases", map[string]any{"title": "Chained"}, nil)
	var chained phaseBody
	_ = json.Unmarshal(data, &chained)
	if len(chained.BlockedBy) != 1 || chained.BlockedBy[0] != first.ID {
		t.Fatalf("expected chained phase, got %v", chained.BlockedBy)
	}

	// explicit empty array detaches
	_, data = doJSON(t, client, http.MethodPost, base+"/phases", map[string]any{
		"title":      "Detached",
		"blocked_by": []string{},
	}, nil)
	var detached phaseBody
	_ = json.Unmarshal(data, &detached)
	if len(detached.BlockedBy) != 0 {
		t.Fatalf("expected detached phase, got %v", detached.BlockedBy)
	}

	// null is rejected
	res, data := doJSON(t, client, http.MethodPost, base+"/phases", map[string]any{
		"title":      "Null",
		"blocked_by": nil,
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for null blocked_by, got %d %s", res.StatusCode, string(data))
	}
}

func TestDeletePhaseDependentsConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/proj-1"

	_, data := doJSON(t, client, http.MethodPost, base+"/phases", map[string]any{"title": "Base"}, nil)
	var first phaseBody
	_ = json.Unmarshal(data, &first)
	_, _ = doJSON(t, client, http.MethodPost, base+"/phases", map[string]any{"title": "Dependent"}, nil)

	res, data := doJSON(t, client, http.MethodDelete, base+"/phases/"+first.ID, nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if envelope := decodeError(t, data); envelope.Error.Code != "has_dependents" {
		t.Fatalf("expected has_dependents, got %q", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodDelete, base+"/phases/"+first.ID+"?force=true", nil, nil)
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("force delete: %d %s", res.StatusCode, string(data))
	}
}

func TestCrossProjectPathDoesNotMutate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	owner := srv.URL + "/v0/projects/proj-1"
	other := srv.URL + "/v0/projects/proj-2"

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id": "proj-2", "title": "Other Project",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create second project: %d %s", res.StatusCode, string(data))
	}

	_, data = doJSON(t, client, http.MethodPost, owner+"/phases", map[string]any{"title": "Guarded"}, nil)
	var phase phaseBody
	_ = json.Unmarshal(data, &phase)

	res, data = doJSON(t, client, http.MethodPost, other+"/phases/"+phase.ID+"/start", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("start via wrong project: expected 404, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, owner+"/phases/"+phase.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get phase: %d %s", res.StatusCode, string(data))
	}
	var after phaseBody
	_ = json.Unmarshal(data, &after)
	if after.Status != "pending" {
		t.Fatalf("phase status changed by a 404 request: %q", after.Status)
	}

	res, _ = doJSON(t, client, http.MethodPost, owner+"/phases/"+phase.ID+"/start", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start via owning project: %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPost, other+"/phases/"+phase.ID+"/complete", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("complete via wrong project: expected 404, got %d %s", res.StatusCode, string(data))
	}
	_, data = doJSON(t, client, http.MethodGet, owner+"/phases/"+phase.ID, nil, nil)
	_ = json.Unmarshal(data, &after)
	if after.Status != "in_progress" {
		t.Fatalf("phase status changed by a 404 complete: %q", after.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, owner+"/deliverables", map[string]any{
		"phase_id": phase.ID, "title": "Report", "artifact_type": "document",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create deliverable: %d %s", res.StatusCode, string(data))
	}
	var deliverable struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	_ = json.Unmarshal(data, &deliverable)

	res, data = doJSON(t, client, http.MethodPost, other+"/deliverables/"+deliverable.ID+"/complete", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("complete deliverable via wrong project: expected 404, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, owner+"/deliverables?phase_id="+phase.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list deliverables: %d %s", res.StatusCode, string(data))
	}
	var items []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	_ = json.Unmarshal(data, &items)
	if len(items) != 1 || items[0].Status != "pending" {
		t.Fatalf("deliverable mutated by a 404 request: %+v", items)
	}
}

func TestApplyBuiltinTemplateOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/proj-1"

	res, data := doJSON(t, client, http.MethodPost, base+"/templates/builtin-7-phase-mvp/apply", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("apply: %d %s", res.StatusCode, string(data))
	}
	var applied struct {
		PhaseIDs       []string `json:"phase_ids"`
		DeliverableIDs []string `json:"deliverable_ids"`
		RoleIDs        []string `json:"role_ids"`
	}
	if err := json.Unmarshal(data, &applied); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(applied.PhaseIDs) != 7 || len(applied.RoleIDs) != 7 {
		t.Fatalf("unexpected apply result: %+v", applied)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/templates/nope/apply", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown template, got %d %s", res.StatusCode, string(data))
	}
}

func TestImportTemplateNameConflictOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	body := map[string]any{"yaml": "name: Field Study\nphases:\n  - title: Plan\n"}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates/import", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first import: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates/import", body, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate import: expected 409, got %d %s", res.StatusCode, string(data))
	}
	if envelope := decodeError(t, data); envelope.Error.Code != "conflict" {
		t.Fatalf("expected conflict code, got %q", envelope.Error.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/projects", nil)
	res, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	if envelope := decodeError(t, data); envelope.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %q", envelope.Error.Code)
	}

	// health stays open
	res2, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, map[string]string{"X-Actor-Id": ""})
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res2.StatusCode, string(body))
	}
}

func TestDevLoginAndBearerAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "alice",
		"roles":    []string{"admin"},
	}, map[string]string{"X-Actor-Id": ""})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
		"X-Actor-Id":    "",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me struct {
		ActorID string `json:"actor_id"`
		Source  string `json:"source"`
	}
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "alice" || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	// garbage tokens are rejected even with the legacy header present
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}
}

func TestWorkstreamAndDeliverableFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/proj-1"

	_, data := doJSON(t, client, http.MethodPost, base+"/phases", map[string]any{"title": "Build"}, nil)
	var phase phaseBody
	_ = json.Unmarshal(data, &phase)

	res, data := doJSON(t, client, http.MethodPost, base+"/workstreams", map[string]any{"title": "Analysis"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create workstream: %d %s", res.StatusCode, string(data))
	}
	var ws struct {
		ID    string `json:"id"`
		Color string `json:"color"`
	}
	_ = json.Unmarshal(data, &ws)
	if ws.Color == "" {
		t.Fatalf("expected auto-assigned color")
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/deliverables", map[string]any{
		"phase_id":      phase.ID,
		"title":         "Dataset",
		"artifact_type": "dataset",
		"workstream_id": ws.ID,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create deliverable: %d %s", res.StatusCode, string(data))
	}
	var d struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(data, &d)

	res, data = doJSON(t, client, http.MethodPost, base+"/deliverables/"+d.ID+"/complete", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete deliverable: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/progress", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress: %d %s", res.StatusCode, string(data))
	}
	var prog struct {
		Completed int `json:"completed"`
		Total     int `json:"total"`
		Percent   int `json:"percent"`
	}
	_ = json.Unmarshal(data, &prog)
	if prog.Completed != 1 || prog.Total != 1 || prog.Percent != 100 {
		t.Fatalf("unexpected progress: %+v", prog)
	}

	// disallowed artifact types are rejected
	res, data = doJSON(t, client, http.MethodPost, base+"/deliverables", map[string]any{
		"phase_id":      phase.ID,
		"title":         "Weird",
		"artifact_type": "sculpture",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad artifact type, got %d %s", res.StatusCode, string(data))
	}
}

func TestEventLogPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/proj-1"

	for _, title := range []string{"A", "B", "C"} {
		if res, data := doJSON(t, client, http.MethodPost, base+"/phases", map[string]any{"title": title}, nil); res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s: %d %s", title, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodGet, base+"/events?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page struct {
		Items []struct {
			Type string `json:"type"`
		} `json:"items"`
		NextCursor string `json:"next_cursor"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 events, got %d", len(page.Items))
	}
	if page.NextCursor == "" {
		t.Fatalf("expected next cursor")
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/events?limit=2&cursor="+page.NextCursor, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page: %d %s", res.StatusCode, string(data))
	}
}
