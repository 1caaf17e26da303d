package gateway

import (
	"context"
	"errors"
	"log"
	"net/http"
	"regexp"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sandgate-io/sandgate/internal/backend"
	"github.com/sandgate-io/sandgate/internal/breaker"
	"github.com/sandgate-io/sandgate/internal/config"
	"github.com/sandgate-io/sandgate/internal/database"
	"github.com/sandgate-io/sandgate/internal/session"
)

// terminalPath is matched before any routing: the upgrade handshake is
// incompatible with the ordinary router's body and response handling, so
// stream-attach requests are peeled off here.
var terminalPath = regexp.MustCompile(`^/api/v1/sessions/([^/]+)/terminal$`)

// Dispatcher classifies every inbound request as stream-attach or
// ordinary. Ordinary requests go to the wrapped router; attach requests
// are validated, cleared with the sessions breaker, dialed through a
// bounded call, and then relayed byte for byte.
type Dispatcher struct {
	Router   http.Handler
	Sessions *session.Registry
	Breakers *breaker.Registry
	Agents   *backend.Client
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m := terminalPath.FindStringSubmatch(r.URL.Path); m != nil {
		d.serveTerminal(w, r, m[1])
		return
	}
	d.Router.ServeHTTP(w, r)
}

func isUpgradeRequest(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(v), "Upgrade") {
			return true
		}
	}
	return false
}

// serveTerminal handles one stream-attach request. Everything up to and
// including the backend dial answers with a plain HTTP error; the client
// handshake is only accepted once the agent connection exists.
func (d *Dispatcher) serveTerminal(w http.ResponseWriter, r *http.Request, rawID string) {
	if !isUpgradeRequest(r) {
		WriteError(w, r, Validation("terminal attach requires a websocket upgrade"))
		return
	}
	if _, err := uuid.Parse(rawID); err != nil {
		WriteError(w, r, Validation("malformed session id"))
		return
	}

	sess, err := d.Sessions.Get(rawID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			WriteError(w, r, NotFound("unknown session"))
		} else {
			WriteError(w, r, err)
		}
		return
	}
	if sess.Status != database.StatusRunning {
		WriteError(w, r, Conflict("session is "+sess.Status+", terminal attach requires running"))
		return
	}

	// Forward the client's requested subprotocols to the agent.
	var subprotocols []string
	if requested := r.Header.Get("Sec-WebSocket-Protocol"); requested != "" {
		subprotocols = strings.Split(requested, ", ")
	}

	timeout := config.Current().SessionCallTimeout
	agentConn, apiErr := GuardedCall(r.Context(), d.Breakers, breaker.TargetSessions, timeout,
		func(ctx context.Context) (*websocket.Conn, error) {
			conn, err := d.Agents.DialTerminal(ctx, sess.BackendRef, subprotocols)
			if err != nil {
				return nil, err
			}
			if ctx.Err() != nil {
				// Dial won the race against an expired deadline; the
				// caller has already given up on this connection.
				conn.CloseNow()
				return nil, ctx.Err()
			}
			return conn, nil
		})
	if apiErr != nil {
		log.Printf("Terminal attach refused: session=%s code=%s", sess.SessionID, apiErr.Code)
		WriteError(w, r, apiErr)
		return
	}
	defer agentConn.CloseNow()

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       subprotocols,
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept terminal websocket: session=%s err=%v", sess.SessionID, err)
		return
	}
	defer clientConn.CloseNow()

	clientConn.SetReadLimit(4 * 1024 * 1024) // 4MB
	agentConn.SetReadLimit(4 * 1024 * 1024)

	d.Sessions.Touch(sess.SessionID)
	log.Printf("Terminal relay started: session=%s backend=%s", sess.SessionID, sess.BackendRef)

	Relay(r.Context(), clientConn, agentConn)

	clientConn.Close(websocket.StatusNormalClosure, "")
	agentConn.Close(websocket.StatusNormalClosure, "")
	d.Sessions.Touch(sess.SessionID)
	log.Printf("Terminal relay ended: session=%s", sess.SessionID)
}
