package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"impostor/internal/config"
	"impostor/internal/db"
	"impostor/internal/engine"
	"impostor/internal/events"
	"impostor/internal/migrate"
	"impostor/internal/oracle"
	"impostor/internal/registry"
	"impostor/internal/repo"
	impostorsdk "impostor/sdk/go"
)

type testServer struct {
	URL      string
	Registry *registry.Registry
	Repo     repo.Repo
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// SDK returns a client rooted at the API base path.
func (s *testServer) SDK(token string) *impostorsdk.Client {
	c := impostorsdk.New(s.URL + "/v0")
	c.BearerToken = token
	return c
}

func newTestServer(t *testing.T, o oracle.Oracle, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	e := engine.New(o, engine.Options{Seed: 11, TurnTimeout: 5 * time.Second})
	reg := registry.New(e, registry.Options{
		Defaults: registry.GameOptions{RosterSize: 4, MaxSteps: 6},
		Journal:  repo.Journal{Repo: r, Events: events.Writer{}},
	})
	handler, err := New(Config{Registry: reg, Repo: &r, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:      "http://" + ln.Addr().String(),
		Registry: reg,
		Repo:     r,
		client:   &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
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

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode error envelope %q: %v", string(body), err)
	}
	return envelope.Error.Code
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, oracle.NewSimulated(1), AuthConfig{})
	h, err := srv.SDK("").Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.Status != "healthy" || h.Service != "impostor-game" {
		t.Fatalf("unexpected health %+v", h)
	}
}

func TestGameLifecycle(t *testing.T) {
	srv := newTestServer(t, oracle.NewSimulated(3), AuthConfig{})
	ctx := context.Background()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/games", map[string]any{"roster_size": 5}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created impostorsdk.Game
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal game: %v", err)
	}
	if created.Status != "active" || len(created.Agents) != 5 || created.MaxSteps != 6 {
		t.Fatalf("unexpected game %+v", created)
	}
	if created.ImpostorID == "" || created.Meeting.Reason == "" {
		t.Fatalf("expected impostor and meeting in create response: %+v", created)
	}

	client := srv.SDK("")
	games, err := client.ListGames(ctx)
	if err != nil || len(games) != 1 || games[0].ID != created.ID {
		t.Fatalf("unexpected list %+v (%v)", games, err)
	}

	var last impostorsdk.StepResult
	for i := 0; i < created.MaxSteps && !last.Finished; i++ {
		last, err = client.Step(ctx, created.ID)
		if err != nil {
			t.Fatalf("step %d: %v", i+1, err)
		}
		if last.Step != i+1 {
			t.Fatalf("expected step %d, got %d", i+1, last.Step)
		}
	}
	if !last.Finished || last.Winner == "" {
		t.Fatalf("game did not finish within max steps: %+v", last)
	}

	again, err := client.Step(ctx, created.ID)
	if err != nil {
		t.Fatalf("step after finish: %v", err)
	}
	if again.Step != last.Step || again.Winner != last.Winner || len(again.Turns) != 0 {
		t.Fatalf("finished game changed: %+v vs %+v", again, last)
	}

	got, err := client.GetGame(ctx, created.ID)
	if err != nil {
		t.Fatalf("get game: %v", err)
	}
	if got.Status != "finished" || got.Winner != last.Winner || got.Step != last.Step {
		t.Fatalf("unexpected final state %+v", got)
	}

	page, err := client.Events(ctx, created.ID, "", 0, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) == 0 || page.Items[0].Type != events.GameFinished {
		t.Fatalf("expected game.finished newest, got %+v", page.Items)
	}
	if page.Items[len(page.Items)-1].Type != events.GameCreated {
		t.Fatalf("expected game.created oldest, got %+v", page.Items)
	}

	first, err := client.Events(ctx, created.ID, events.GameStep, 1, "")
	if err != nil {
		t.Fatalf("events page: %v", err)
	}
	if len(first.Items) != 1 || first.Items[0].Type != events.GameStep {
		t.Fatalf("unexpected filtered page %+v", first)
	}
	if last.Step > 1 {
		if first.NextCursor == "" {
			t.Fatalf("expected next cursor with %d steps", last.Step)
		}
		second, err := client.Events(ctx, created.ID, events.GameStep, 1, first.NextCursor)
		if err != nil {
			t.Fatalf("events second page: %v", err)
		}
		if len(second.Items) != 1 || second.Items[0].ID >= first.Items[0].ID {
			t.Fatalf("cursor did not advance: %+v then %+v", first, second)
		}
	}
}

func TestCreateGameDefaultsWithoutBody(t *testing.T) {
	srv := newTestServer(t, oracle.NewSimulated(1), AuthConfig{})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/games", nil, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var g impostorsdk.Game
	if err := json.Unmarshal(data, &g); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(g.Agents) != 4 || g.MaxSteps != 6 {
		t.Fatalf("expected configured defaults, got %d agents and %d steps", len(g.Agents), g.MaxSteps)
	}
}

func TestCreateGameRejectsInvalidRoster(t *testing.T) {
	srv := newTestServer(t, oracle.NewSimulated(1), AuthConfig{})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/games", map[string]any{"roster_size": config.MaxRosterSize + 1}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_options" {
		t.Fatalf("expected invalid_options, got %s", code)
	}
}

func TestUnknownGame(t *testing.T) {
	srv := newTestServer(t, oracle.NewSimulated(1), AuthConfig{})
	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/v0/games/nope"},
		{http.MethodPost, "/v0/games/nope/step"},
		{http.MethodGet, "/v0/games/nope/events"},
		{http.MethodGet, "/v0/games/nope/agents/red/memory"},
	} {
		res, data := doJSON(t, srv.Client(), tc.method, srv.URL+tc.path, nil, nil)
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d: %s", tc.method, tc.path, res.StatusCode, string(data))
		}
		if code := errorCode(t, data); code != "not_found" {
			t.Fatalf("%s %s: expected not_found, got %s", tc.method, tc.path, code)
		}
	}
}

func TestAgentMemoryRoute(t *testing.T) {
	remembering := oracle.Func(func(ctx context.Context, req oracle.Request) (string, error) {
		return fmt.Sprintf(`{"think":"watching","memory_update":{"location":"room %d","observations":["%s was quiet"]}}`, req.Step, req.Self.Name), nil
	})
	srv := newTestServer(t, remembering, AuthConfig{})
	ctx := context.Background()
	client := srv.SDK("")

	game, err := client.CreateGame(ctx, impostorsdk.CreateGameOptions{RosterSize: 3})
	if err != nil {
		t.Fatalf("create game: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := client.Step(ctx, game.ID); err != nil {
			t.Fatalf("step %d: %v", i+1, err)
		}
	}
	agent := game.Agents[1]
	mem, err := client.Memory(ctx, game.ID, agent.ID, 0)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if mem.AgentID != agent.ID || len(mem.Items) != 2 {
		t.Fatalf("unexpected memory %+v", mem)
	}
	if mem.Items[0].Step != 1 || mem.Items[1].Location != "room 2" {
		t.Fatalf("unexpected entries %+v", mem.Items)
	}
	if len(mem.Items[0].Observations) != 1 || mem.Items[0].Observations[0] != agent.Name+" was quiet" {
		t.Fatalf("unexpected observations %+v", mem.Items[0])
	}

	latest, err := client.Memory(ctx, game.ID, agent.ID, 1)
	if err != nil {
		t.Fatalf("memory with limit: %v", err)
	}
	if len(latest.Items) != 1 || latest.Items[0].Step != 2 {
		t.Fatalf("expected only step 2, got %+v", latest.Items)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/games/"+game.ID+"/agents/ghost/memory", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected 404 not_found for unknown agent, got %d: %s", res.StatusCode, string(data))
	}
}

func TestConcurrentStepConflict(t *testing.T) {
	entered := make(chan struct{}, 8)
	release := make(chan struct{})
	blocking := oracle.Func(func(ctx context.Context, req oracle.Request) (string, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return `{"think":"waiting","vote":"skip"}`, nil
	})
	srv := newTestServer(t, blocking, AuthConfig{})
	ctx := context.Background()
	client := srv.SDK("")
	g, err := client.CreateGame(ctx, impostorsdk.CreateGameOptions{RosterSize: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	var first impostorsdk.StepResult
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, firstErr = client.Step(ctx, g.ID)
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("first step never reached the oracle")
	}

	_, err = client.Step(ctx, g.ID)
	var apiErr *impostorsdk.APIError
	if !errors.As(err, &apiErr) || !apiErr.Conflict() || apiErr.Code != "step_conflict" {
		t.Fatalf("expected step_conflict, got %v", err)
	}
	snapshot, err := client.GetGame(ctx, g.ID)
	if err != nil {
		t.Fatalf("get during step: %v", err)
	}
	if snapshot.Step != 0 {
		t.Fatalf("reader saw uncommitted step %d", snapshot.Step)
	}

	close(release)
	wg.Wait()
	if firstErr != nil {
		t.Fatalf("first step: %v", firstErr)
	}
	if first.Step != 1 || len(first.Turns) != 3 {
		t.Fatalf("unexpected first result %+v", first)
	}
}

func TestAuthRequiredWhenSecretSet(t *testing.T) {
	const secret = "test-secret"
	srv := newTestServer(t, oracle.NewSimulated(1), AuthConfig{JWTSecret: secret})
	ctx := context.Background()

	if _, err := srv.SDK("").Health(ctx); err != nil {
		t.Fatalf("health should be public: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/games", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/games", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected 401 invalid_credentials, got %d: %s", res.StatusCode, string(data))
	}
	wrong, err := SignToken("other-secret", "spectator", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := srv.SDK(wrong).ListGames(ctx); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}

	token, err := SignToken(secret, "spectator", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	client := srv.SDK(token)
	g, err := client.CreateGame(ctx, impostorsdk.CreateGameOptions{})
	if err != nil {
		t.Fatalf("create with token: %v", err)
	}
	if _, err := client.Step(ctx, g.ID); err != nil {
		t.Fatalf("step with token: %v", err)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t, oracle.NewSimulated(1), AuthConfig{JWTSecret: "s"})
	ctx := context.Background()
	plaintext, key, err := srv.Repo.CreateAPIKey(ctx, "wallboard", "lobby screen")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	client := srv.SDK("")
	client.APIKey = plaintext
	if _, err := client.CreateGame(ctx, impostorsdk.CreateGameOptions{RosterSize: 3}); err != nil {
		t.Fatalf("create with api key: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/games", nil, map[string]string{"X-Api-Key": "imp_bogus"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected bogus key rejected, got %d: %s", res.StatusCode, string(data))
	}

	if err := srv.Repo.DeleteAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := client.ListGames(ctx); err == nil {
		t.Fatalf("expected revoked key to be rejected")
	}
}

func TestSignTokenRequiresSecretAndSubject(t *testing.T) {
	if _, err := SignToken("", "someone", 0); err == nil {
		t.Fatalf("expected error without secret")
	}
	if _, err := SignToken("s", " ", 0); err == nil {
		t.Fatalf("expected error without subject")
	}
	token, err := SignToken("s", "someone", 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p, err := authenticateJWT(token, "s")
	if err != nil || p.Subject != "someone" || p.Source != "jwt" {
		t.Fatalf("unexpected principal %+v (%v)", p, err)
	}
}

func TestOpenAPIDocsAndMetrics(t *testing.T) {
	srv := newTestServer(t, oracle.NewSimulated(1), AuthConfig{JWTSecret: "s"})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var oas map[string]any
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("openapi json: %v", err)
	}
	paths, _ := oas["paths"].(map[string]any)
	for _, p := range []string{"/v0/games", "/v0/games/{game_id}", "/v0/games/{game_id}/step", "/v0/games/{game_id}/events", "/v0/health"} {
		if _, ok := paths[p]; !ok {
			t.Fatalf("openapi missing path %s", p)
		}
	}
	if !strings.Contains(string(data), "bearerAuth") || !strings.Contains(string(data), "apiKeyAuth") {
		t.Fatalf("expected bearer and api key security schemes in openapi document")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/v0/openapi.json") {
		t.Fatalf("docs status %d", res.StatusCode)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "impostor_registry_games_active") {
		t.Fatalf("metrics status %d missing impostor collectors", res.StatusCode)
	}
}

func TestWebhookDeliversFilteredSignedEvents(t *testing.T) {
	type delivery struct {
		header http.Header
		body   []byte
	}
	var mu sync.Mutex
	var got []delivery
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, delivery{header: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	srv := newTestServer(t, oracle.NewSimulated(5), AuthConfig{})
	ctx := context.Background()
	if _, err := srv.Registry.CreateGame(ctx, registry.GameOptions{}); err != nil {
		t.Fatalf("create before dispatcher start: %v", err)
	}

	disabled := false
	d := NewWebhookDispatcher(srv.Repo, []config.WebhookConfig{
		{URL: hook.URL, Events: []string{events.GameCreated, events.GameFinished}, Secret: "shh"},
		{URL: hook.URL, Enabled: &disabled},
	})
	if d == nil {
		t.Fatalf("expected dispatcher for enabled hook")
	}
	d.DispatchOnce(ctx)
	mu.Lock()
	if len(got) != 0 {
		mu.Unlock()
		t.Fatalf("events before the first poll must not be delivered, got %d", len(got))
	}
	mu.Unlock()

	g, err := srv.Registry.CreateGame(ctx, registry.GameOptions{RosterSize: 3, MaxSteps: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < g.MaxSteps; i++ {
		res, err := srv.Registry.AdvanceStep(ctx, g.ID)
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		if res.Finished {
			break
		}
	}
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected created and finished deliveries, got %d", len(got))
	}
	for i, want := range []string{events.GameCreated, events.GameFinished} {
		dl := got[i]
		if dl.header.Get("X-Impostor-Event") != want || dl.header.Get("X-Impostor-Game") != g.ID {
			t.Fatalf("delivery %d headers %v", i, dl.header)
		}
		if sig := dl.header.Get("X-Impostor-Signature"); sig != "sha256="+Sign("shh", dl.body) {
			t.Fatalf("delivery %d bad signature %q", i, sig)
		}
		var evt webhookEvent
		if err := json.Unmarshal(dl.body, &evt); err != nil {
			t.Fatalf("decode delivery: %v", err)
		}
		if evt.Type != want || evt.GameID != g.ID {
			t.Fatalf("unexpected delivery %+v", evt)
		}
	}
}

func TestWebhookDispatcherNilWithoutEnabledHooks(t *testing.T) {
	off := false
	if d := NewWebhookDispatcher(repo.Repo{}, []config.WebhookConfig{{URL: "http://x", Enabled: &off}, {URL: " "}}); d != nil {
		t.Fatalf("expected nil dispatcher")
	}
}
