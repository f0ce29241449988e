package mcp

import (
	"context"
	"net/http"
	"time"

	"github.com/discord-voice-companion/internal/logging"
	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// wsTransport implements sdk.Transport for a single websocket.Conn.
type wsTransport struct{ conn *websocket.Conn }

func (t *wsTransport) Connect(ctx context.Context) (sdk.Connection, error) {
	return &wsConnection{conn: t.conn}, nil
}

// wsConnection carries one JSON-RPC message per websocket frame.
type wsConnection struct{ conn *websocket.Conn }

func (w *wsConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetReadDeadline(dl)
		defer w.conn.SetReadDeadline(time.Time{})
	}
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return jsonrpc.DecodeMessage(data)
}

func (w *wsConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(dl)
		defer w.conn.SetWriteDeadline(time.Time{})
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConnection) Close() error      { return w.conn.Close() }
func (w *wsConnection) SessionID() string { return "" }

func NewWebSocketTransport(conn *websocket.Conn) sdk.Transport {
	return &wsTransport{conn: conn}
}

// Handler upgrades each request to a websocket and serves one MCP session
// on it until the client disconnects or ctx ends.
func Handler(ctx context.Context, server *sdk.Server) http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnw("mcp: websocket upgrade failed", "err", err)
			return
		}
		session, err := server.Connect(ctx, NewWebSocketTransport(conn), nil)
		if err != nil {
			logging.Warnw("mcp: server connect failed", "err", err)
			_ = conn.Close()
			return
		}
		logging.Infow("mcp: session opened", "remote", r.RemoteAddr)
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				_ = session.Close()
			case <-done:
			}
		}()
		if err := session.Wait(); err != nil {
			logging.Debugw("mcp: session ended", "remote", r.RemoteAddr, "err", err)
			return
		}
		logging.Infow("mcp: session ended", "remote", r.RemoteAddr)
	})
}
