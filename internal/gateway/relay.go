package gateway

import (
	"context"

	"github.com/coder/websocket"
	"github.com/sandgate-io/sandgate/internal/metrics"
)

// Relay pumps messages between the client and the agent until either
// side closes or errors, then returns so the caller can close both ends.
// Payload is passed through untouched.
func Relay(ctx context.Context, clientConn, agentConn *websocket.Conn) {
	metrics.RelayStarted()
	defer metrics.RelayFinished()

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	// Client -> Agent
	go func() {
		defer relayCancel()
		for {
			msgType, data, err := clientConn.Read(relayCtx)
			if err != nil {
				return
			}
			if err := agentConn.Write(relayCtx, msgType, data); err != nil {
				return
			}
			metrics.AddRelayBytes("client_to_backend", len(data))
		}
	}()

	// Agent -> Client
	func() {
		defer relayCancel()
		for {
			msgType, data, err := agentConn.Read(relayCtx)
			if err != nil {
				return
			}
			if err := clientConn.Write(relayCtx, msgType, data); err != nil {
				return
			}
			metrics.AddRelayBytes("backend_to_client", len(data))
		}
	}()
}
