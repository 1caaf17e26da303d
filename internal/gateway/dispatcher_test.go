package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sandgate-io/sandgate/internal/backend"
	"github.com/sandgate-io/sandgate/internal/breaker"
	"github.com/sandgate-io/sandgate/internal/config"
	"github.com/sandgate-io/sandgate/internal/database"
	"github.com/sandgate-io/sandgate/internal/session"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// countingHandler records how many requests actually reached the agent.
type countingHandler struct {
	mu    sync.Mutex
	n     int
	inner http.Handler
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.n++
	h.mu.Unlock()
	h.inner.ServeHTTP(w, r)
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

// echoAgent accepts the terminal stream and echoes every message.
func echoAgent() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/terminal", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			msgType, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), msgType, data); err != nil {
				return
			}
		}
	})
	return mux
}

// refusingAgent rejects every handshake attempt.
func refusingAgent() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
}

type gatewayFixture struct {
	gw       *httptest.Server
	sessions *session.Registry
	breakers *breaker.Registry
	agent    *countingHandler
}

func setupGateway(t *testing.T, agentHandler http.Handler) *gatewayFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&database.Session{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	database.DB = db
	t.Cleanup(func() { database.DB = nil })

	config.Cfg.BreakerFailureThreshold = 3
	config.Cfg.BreakerCoolDown = time.Minute
	config.Cfg.SessionCallTimeout = 2 * time.Second
	config.LoadRuntime(func(key string) (string, error) {
		return "", errors.New("not set")
	})

	agent := &countingHandler{inner: agentHandler}
	agentSrv := httptest.NewServer(agent)
	t.Cleanup(agentSrv.Close)

	sessions := session.NewRegistry()
	breakers := breaker.NewRegistry(breaker.Options{
		FailureThreshold: config.Current().BreakerFailureThreshold,
		CoolDown:         config.Current().BreakerCoolDown,
	})
	client := &backend.Client{
		Resolve: func(ctx context.Context, ref string) (string, error) {
			return agentSrv.URL, nil
		},
	}

	router := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("routed"))
	})

	gw := httptest.NewServer(&Dispatcher{
		Router:   router,
		Sessions: sessions,
		Breakers: breakers,
		Agents:   client,
	})
	t.Cleanup(gw.Close)

	return &gatewayFixture{gw: gw, sessions: sessions, breakers: breakers, agent: agent}
}

func (f *gatewayFixture) runningSession(t *testing.T) string {
	t.Helper()
	sess, err := f.sessions.Create("test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := f.sessions.Bind(sess.SessionID, "sbx-test"); err != nil {
		t.Fatalf("bind session: %v", err)
	}
	return sess.SessionID
}

// upgradeGet sends a request shaped like a websocket handshake without
// performing one, so pre-handshake HTTP errors can be inspected.
func upgradeGet(t *testing.T, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeAPIError(t *testing.T, resp *http.Response) (errMsg, code string) {
	t.Helper()
	defer resp.Body.Close()
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error, body.Code
}

func TestDispatcherOrdinaryPassthrough(t *testing.T) {
	f := setupGateway(t, echoAgent())

	resp, err := http.Get(f.gw.URL + "/api/v1/sessions")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ordinary request status = %d, want 200", resp.StatusCode)
	}
}

func TestTerminalRequiresUpgradeHeaders(t *testing.T) {
	f := setupGateway(t, echoAgent())
	id := f.runningSession(t)

	resp, err := http.Get(f.gw.URL + "/api/v1/sessions/" + id + "/terminal")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	_, code := decodeAPIError(t, resp)
	if code != "validation_error" {
		t.Errorf("code = %q, want validation_error", code)
	}
	if got := f.agent.count(); got != 0 {
		t.Errorf("agent contacted %d times for an invalid request", got)
	}
}

func TestTerminalMalformedSessionID(t *testing.T) {
	f := setupGateway(t, echoAgent())

	resp := upgradeGet(t, f.gw.URL+"/api/v1/sessions/not-a-uuid/terminal")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	_, code := decodeAPIError(t, resp)
	if code != "validation_error" {
		t.Errorf("code = %q, want validation_error", code)
	}
}

func TestTerminalUnknownSession(t *testing.T) {
	f := setupGateway(t, echoAgent())

	resp := upgradeGet(t, f.gw.URL+"/api/v1/sessions/53b44e8c-96f1-4a7a-a2f7-18f1ac9e0a55/terminal")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	_, code := decodeAPIError(t, resp)
	if code != "not_found" {
		t.Errorf("code = %q, want not_found", code)
	}
}

func TestTerminalSessionNotRunning(t *testing.T) {
	f := setupGateway(t, echoAgent())

	sess, err := f.sessions.Create("cold")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	resp := upgradeGet(t, f.gw.URL+"/api/v1/sessions/"+sess.SessionID+"/terminal")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status for provisioning session = %d, want 409", resp.StatusCode)
	}
	_, code := decodeAPIError(t, resp)
	if code != "invalid_state" {
		t.Errorf("code = %q, want invalid_state", code)
	}
	if got := f.agent.count(); got != 0 {
		t.Errorf("agent contacted %d times for a session with no backend", got)
	}
}

func TestTerminalAttachAndRelay(t *testing.T) {
	f := setupGateway(t, echoAgent())
	id := f.runningSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + f.gw.URL[len("http"):] + "/api/v1/sessions/" + id + "/terminal"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial terminal: %v", err)
	}
	defer conn.CloseNow()

	payload := []byte("echo $HOME\n")
	if err := conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if msgType != websocket.MessageBinary || string(data) != string(payload) {
		t.Errorf("relay echoed (%v, %q), want (binary, %q)", msgType, data, payload)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// Full lifecycle pass: attach works while Running, and stops being
// reachable the moment the session leaves Running.
func TestTerminalRejectedAfterStop(t *testing.T) {
	f := setupGateway(t, echoAgent())
	id := f.runningSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + f.gw.URL[len("http"):] + "/api/v1/sessions/" + id + "/terminal"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("attach while running: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")

	if err := f.sessions.MarkStopping(id); err != nil {
		t.Fatalf("mark stopping: %v", err)
	}
	resp := upgradeGet(t, f.gw.URL+"/api/v1/sessions/"+id+"/terminal")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("attach to stopping session: status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	if err := f.sessions.MarkStopped(id); err != nil {
		t.Fatalf("mark stopped: %v", err)
	}
	resp = upgradeGet(t, f.gw.URL+"/api/v1/sessions/"+id+"/terminal")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("attach to stopped session: status = %d, want 409", resp.StatusCode)
	}
	_, code := decodeAPIError(t, resp)
	if code != "invalid_state" {
		t.Errorf("code = %q, want invalid_state", code)
	}
}

// Breaker scenario: three consecutive backend failures open the sessions
// breaker; the fourth attach fast-fails without a network attempt and
// with a code operators can tell apart from a timeout.
func TestTerminalBreakerOpensAndFastFails(t *testing.T) {
	f := setupGateway(t, refusingAgent())
	id := f.runningSession(t)

	url := f.gw.URL + "/api/v1/sessions/" + id + "/terminal"
	for i := 0; i < 3; i++ {
		resp := upgradeGet(t, url)
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("attempt %d: status = %d, want 502", i+1, resp.StatusCode)
		}
		_, code := decodeAPIError(t, resp)
		if code != "backend_error" {
			t.Fatalf("attempt %d: code = %q, want backend_error", i+1, code)
		}
	}

	if got := f.breakers.State(breaker.TargetSessions); got != breaker.StateOpen {
		t.Fatalf("sessions breaker state = %s, want %s", got, breaker.StateOpen)
	}
	dialsBefore := f.agent.count()

	resp := upgradeGet(t, url)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("fast-fail status = %d, want 503", resp.StatusCode)
	}
	_, code := decodeAPIError(t, resp)
	if code != "circuit_open" {
		t.Errorf("fast-fail code = %q, want circuit_open", code)
	}
	if got := f.agent.count(); got != dialsBefore {
		t.Errorf("open breaker still reached the agent: %d dials, want %d", got, dialsBefore)
	}
}

func TestTerminalDialTimeoutSurfacedAsTimeout(t *testing.T) {
	slowAgent := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Holds the handshake open until the caller gives up.
		<-r.Context().Done()
	})

	f := setupGateway(t, slowAgent)
	config.Cfg.SessionCallTimeout = 100 * time.Millisecond
	config.LoadRuntime(func(key string) (string, error) {
		return "", errors.New("not set")
	})
	id := f.runningSession(t)

	resp := upgradeGet(t, f.gw.URL+"/api/v1/sessions/"+id+"/terminal")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	_, code := decodeAPIError(t, resp)
	if code != "backend_timeout" {
		t.Errorf("code = %q, want backend_timeout", code)
	}
	if got := f.breakers.Snapshot()[breaker.TargetSessions].ConsecutiveFailures; got != 1 {
		t.Errorf("timeout not counted as breaker failure: failures = %d, want 1", got)
	}
}
