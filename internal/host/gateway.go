package host

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kestrelvault/kestrel/api/schemas"
	"github.com/kestrelvault/kestrel/internal/broker"
	"github.com/kestrelvault/kestrel/internal/registry"
)

// serverFrame is what the gateway writes to a client: either the response
// to a request (ID echoes the request) or an unsolicited push.
type serverFrame struct {
	ID      string           `json:"id,omitempty"`
	Result  *schemas.Result  `json:"result,omitempty"`
	Message *schemas.Message `json:"message,omitempty"`
}

// Gateway exposes the broker to clients: a websocket endpoint for
// long-lived connections and a plain POST endpoint for one-shot messages
// from external senders.
type Gateway struct {
	broker *broker.Broker
	log    *zap.Logger
	server *http.Server
}

// NewGateway builds the gateway's HTTP surface.
func NewGateway(addr string, b *broker.Broker, logger *zap.Logger) *Gateway {
	g := &Gateway{broker: b, log: logger.Named("gateway")}

	mux := http.NewServeMux()
	mux.HandleFunc("/connect", g.handleConnect)
	mux.HandleFunc("/message", g.handleMessage)
	g.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return g
}

// Start serves until the listener fails or Stop is called.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		return err
	}
	g.log.Info("gateway listening", zap.String("addr", g.server.Addr))
	if err := g.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains the server.
func (g *Gateway) Stop(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

// handleMessage serves one-shot messages. The sender is always treated as
// external; the broker's allow-list decides what gets through.
func (g *Gateway) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg schemas.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&msg); err != nil {
		http.Error(w, "malformed message", http.StatusBadRequest)
		return
	}
	sender := schemas.Sender{
		Origin:   r.Header.Get("Origin"),
		External: true,
	}
	result := g.broker.Dispatch(r.Context(), msg, sender)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		g.log.Debug("failed to write one-shot response", zap.Error(err))
	}
}

// handleConnect upgrades to a websocket and binds the connection into the
// registry for its lifetime.
func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	endpoint := schemas.ClientEndpoint(q.Get("endpoint"))
	switch endpoint {
	case schemas.EndpointContentScript, schemas.EndpointPopup, schemas.EndpointPage, schemas.EndpointRecovery:
	default:
		http.Error(w, "unknown endpoint kind", http.StatusBadRequest)
		return
	}
	tabID, err := strconv.ParseInt(q.Get("tabId"), 10, 64)
	if err != nil {
		http.Error(w, "malformed tab id", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.log.Debug("websocket accept failed", zap.Error(err))
		return
	}

	conn := &wsConnection{
		name:     registry.MakeName(endpoint, tabID),
		endpoint: endpoint,
		tabID:    tabID,
		origin:   r.Header.Get("Origin"),
		ws:       ws,
		ctx:      r.Context(),
	}
	g.broker.Connect(conn)
	defer g.broker.Disconnect(conn.name)

	g.readLoop(conn)
	ws.Close(websocket.StatusNormalClosure, "")
}

// readLoop dispatches inbound frames until the connection drops.
func (g *Gateway) readLoop(c *wsConnection) {
	for {
		var msg schemas.Message
		if err := wsjson.Read(c.ctx, c.ws, &msg); err != nil {
			g.log.Debug("connection closed",
				zap.String("name", c.name), zap.Error(err))
			return
		}

		sender := schemas.Sender{
			Endpoint: c.endpoint,
			TabID:    c.tabID,
			Origin:   c.origin,
		}
		result := g.broker.Dispatch(c.ctx, msg, sender)
		if err := c.write(serverFrame{ID: msg.ID, Result: &result}); err != nil {
			g.log.Debug("failed to write response",
				zap.String("name", c.name), zap.Error(err))
			return
		}
	}
}

// wsConnection adapts one websocket to the registry's Connection.
type wsConnection struct {
	name     string
	endpoint schemas.ClientEndpoint
	tabID    int64
	origin   string
	ws       *websocket.Conn
	ctx      context.Context

	writeMu sync.Mutex
}

func (c *wsConnection) Name() string                     { return c.name }
func (c *wsConnection) Endpoint() schemas.ClientEndpoint { return c.endpoint }
func (c *wsConnection) TabID() int64                     { return c.tabID }

// Send pushes an unsolicited message to the client.
func (c *wsConnection) Send(msg schemas.Message) error {
	return c.write(serverFrame{Message: &msg})
}

func (c *wsConnection) write(frame serverFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.ws, frame)
}
