package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v5"

	"jobledger/internal/config"
	"jobledger/internal/db"
	"jobledger/internal/domain"
	"jobledger/internal/engine"
	"jobledger/internal/events"
	"jobledger/internal/migrate"
	"jobledger/internal/repo"
)

const testOwner = "owner"

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
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	if _, err := e.InitMarketplace(context.Background(), testOwner, 2); err != nil {
		t.Fatalf("init marketplace: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true, JWTSecret: "test-secret", EnableDevLogin: true},
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

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestEscrowFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, id := range []string{"alice", "bob"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/profiles", map[string]any{"name": id, "skills": "go"}, as(id))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create profile %s: %d %s", id, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/profiles", map[string]any{"name": "again"}, as("alice"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "already_registered" {
		t.Fatalf("expected already_registered, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{"title": "Build API", "description": "REST", "budget": 1000}, as("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("post job: %d %s", res.StatusCode, string(data))
	}
	var job domain.Job
	_ = json.Unmarshal(data, &job)
	jobURL := srv.URL + "/v0/jobs/" + strconv.FormatInt(job.ID, 10)

	res, data = doJSON(t, client, http.MethodPost, jobURL+"/applications", map[string]any{"proposal": "me", "proposed_price": 900}, as("bob"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("apply: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, jobURL+"/select", map[string]any{"applicant": "bob"}, as("bob"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "unauthorized_caller" {
		t.Fatalf("expected unauthorized_caller, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, jobURL+"/select", map[string]any{"applicant": "bob"}, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("select: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, jobURL+"/complete", map[string]any{"amount": 999}, as("alice"))
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "incorrect_payment_amount" {
		t.Fatalf("expected incorrect_payment_amount, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, jobURL+"/complete", map[string]any{"amount": 1000}, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var done CompletionResponse
	_ = json.Unmarshal(data, &done)
	if done.Payment != 980 || done.Fee != 20 || done.Job.Status != domain.JobCompleted {
		t.Fatalf("unexpected completion %+v", done)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/balances/bob", nil, as("bob"))
	var bal domain.Balance
	_ = json.Unmarshal(data, &bal)
	if res.StatusCode != http.StatusOK || bal.Credited != 980 {
		t.Fatalf("unexpected balance %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/platform", nil, as("bob"))
	var platform PlatformResponse
	_ = json.Unmarshal(data, &platform)
	if res.StatusCode != http.StatusOK || platform.Balance != 20 || platform.Owner != testOwner {
		t.Fatalf("unexpected platform %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/payouts/"+done.Payout.ID+"/settle", nil, as("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected forbidden settle, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/payouts/"+done.Payout.ID+"/settle", nil, as(testOwner))
	var p domain.Payout
	_ = json.Unmarshal(data, &p)
	if res.StatusCode != http.StatusOK || p.Status != domain.PayoutSettled {
		t.Fatalf("settle: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, jobURL+"/payout", nil, as("bob"))
	var jobPayout domain.Payout
	_ = json.Unmarshal(data, &jobPayout)
	if res.StatusCode != http.StatusOK || jobPayout.ID != done.Payout.ID || jobPayout.Status != domain.PayoutSettled {
		t.Fatalf("unexpected job payout %d %s", res.StatusCode, string(data))
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs/42", nil, as("anyone"))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected not_found, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs/count", nil, as("anyone"))
	var count JobCountResponse
	_ = json.Unmarshal(data, &count)
	if res.StatusCode != http.StatusOK || count.Count != 0 {
		t.Fatalf("unexpected count %d %s", res.StatusCode, string(data))
	}
}

func TestPauseOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/platform/pause", nil, as("mallory"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "unauthorized_caller" {
		t.Fatalf("expected unauthorized pause, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/platform/pause", nil, as(testOwner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pause: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/profiles", map[string]any{"name": "carol"}, as("carol"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "paused" {
		t.Fatalf("expected paused, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/platform/fee", map[string]any{"platform_fee_percent": 5}, as(testOwner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update fee while paused: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/platform/unpause", nil, as(testOwner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unpause: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/platform/unpause", nil, as(testOwner))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "not_paused" {
		t.Fatalf("expected not_paused, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/profiles", map[string]any{"name": "carol"}, as("carol"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create after unpause: %d %s", res.StatusCode, string(data))
	}
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must not require auth, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": testOwner}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if res.StatusCode != http.StatusOK || me.ActorID != testOwner || !me.IsOwner || me.Source != "jwt" {
		t.Fatalf("unexpected me %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected invalid token rejected, got %d", res.StatusCode)
	}
}

func TestWebhookDispatchSignsAndFilters(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var mu sync.Mutex
	var got []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !events.VerifySignature("hook-secret", body, r.Header.Get("X-Jobledger-Signature")) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		got = append(got, r.Header.Get("X-Jobledger-Event"))
		mu.Unlock()
	}))
	defer hook.Close()

	ctx := context.Background()
	d := newWebhookDispatcher(srv.Engine, []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{domain.EventProfileCreated},
		Secret: "hook-secret",
	}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.dispatchAll(ctx)

	if _, err := srv.Engine.CreateProfile(ctx, engine.ProfileCreateOptions{Name: "alice", ActorID: "alice"}); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Engine.PostJob(ctx, engine.JobPostOptions{Title: "x", Budget: 1, ActorID: "alice"}); err != nil {
		t.Fatal(err)
	}
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != domain.EventProfileCreated {
		t.Fatalf("expected one ProfileCreated delivery, got %v", got)
	}
}

func TestWebhookRetriesAndSkipsRejectedEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var mu sync.Mutex
	calls := 0
	status := []int{http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway, http.StatusOK, http.StatusBadRequest}
	var delivered []int64
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		code := http.StatusOK
		if calls < len(status) {
			code = status[calls]
		}
		calls++
		if code == http.StatusOK {
			id, _ := strconv.ParseInt(r.Header.Get("X-Jobledger-Delivery"), 10, 64)
			delivered = append(delivered, id)
		}
		w.WriteHeader(code)
	}))
	defer hook.Close()

	ctx := context.Background()
	d := newWebhookDispatcher(srv.Engine, []config.WebhookConfig{{URL: hook.URL}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.backOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	d.dispatchAll(ctx)

	for _, id := range []string{"alice", "bob"} {
		if _, err := srv.Engine.CreateProfile(ctx, engine.ProfileCreateOptions{Name: id, ActorID: id}); err != nil {
			t.Fatal(err)
		}
	}

	// Three 502s exhaust the retries; the first event stays at the cursor.
	d.dispatchAll(ctx)
	mu.Lock()
	if calls != webhookMaxTries || len(delivered) != 0 {
		t.Fatalf("after first sweep: calls=%d delivered=%v", calls, delivered)
	}
	mu.Unlock()

	// The held event goes through; the 400 on the next one skips it.
	d.dispatchAll(ctx)
	mu.Lock()
	if calls != 5 || len(delivered) != 1 {
		t.Fatalf("after second sweep: calls=%d delivered=%v", calls, delivered)
	}
	mu.Unlock()

	if _, err := srv.Engine.CreateProfile(ctx, engine.ProfileCreateOptions{Name: "carol", ActorID: "carol"}); err != nil {
		t.Fatal(err)
	}
	d.dispatchAll(ctx)
	mu.Lock()
	defer mu.Unlock()
	if calls != 6 || len(delivered) != 2 {
		t.Fatalf("rejected event must not be redelivered: calls=%d delivered=%v", calls, delivered)
	}
	if delivered[1] != delivered[0]+2 {
		t.Fatalf("expected deliveries in commit order past the skipped event, got %v", delivered)
	}
}

func TestWebhookSkipsDisabledHooks(t *testing.T) {
	disabled := false
	d := newWebhookDispatcher(engine.Engine{}, []config.WebhookConfig{
		{URL: "http://example.invalid/a", Enabled: &disabled},
		{URL: "  "},
		{URL: "http://example.invalid/b", Events: []string{" JobCreated ", ""}, TimeoutSeconds: 1},
	}, slog.Default())
	if len(d.hooks) != 1 {
		t.Fatalf("expected one active hook, got %d", len(d.hooks))
	}
	h := d.hooks[0]
	if !h.filter.match(domain.EventJobCreated) || h.filter.match(domain.EventJobCompleted) {
		t.Fatalf("unexpected filter %v", h.filter)
	}
	if h.client.Timeout.Seconds() != 1 {
		t.Fatalf("expected per-hook timeout, got %v", h.client.Timeout)
	}
	if !newEventFilter(nil).match("anything") {
		t.Fatal("empty filter should match every event")
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	key := domain.APIKey{ID: "k1", ActorID: "alice", KeyHash: repo.HashAPIKey("alice-secret")}
	if err := srv.Engine.Repo.InsertAPIKey(context.Background(), key); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "alice-secret"})
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if res.StatusCode != http.StatusOK || me.ActorID != "alice" || me.IsOwner || me.Source != "api_key" {
		t.Fatalf("unexpected me %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unknown key rejected, got %d", res.StatusCode)
	}
}
