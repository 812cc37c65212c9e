package stream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// HandlerConfig configures the websocket endpoint.
type HandlerConfig struct {
	// AllowOrigins lists host patterns accepted for cross-origin upgrades.
	AllowOrigins []string `yaml:"allow_origins" json:"allow_origins"`

	// PingInterval keeps idle connections alive.
	PingInterval time.Duration `yaml:"ping_interval" json:"ping_interval" env:"PING_INTERVAL"`

	// WriteTimeout bounds one frame write.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT"`
}

// DefaultHandlerConfig returns endpoint defaults.
func DefaultHandlerConfig() *HandlerConfig {
	return &HandlerConfig{
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Handler streams an account's broadcasts over a websocket. Each payload is
// sent as one text frame.
type Handler struct {
	hub     *Hub
	account func(r *http.Request) string
	config  *HandlerConfig
	logger  *zap.Logger
}

// NewHandler creates a websocket handler. account extracts the account id
// from the request; nil reads the "accountId" path value.
func NewHandler(hub *Hub, account func(r *http.Request) string, config *HandlerConfig, logger *zap.Logger) *Handler {
	if config == nil {
		config = DefaultHandlerConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if account == nil {
		account = func(r *http.Request) string { return r.PathValue("accountId") }
	}
	return &Handler{
		hub:     hub,
		account: account,
		config:  config,
		logger:  logger.With(zap.String("component", "stream_ws")),
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accountID := h.account(r)
	if accountID == "" {
		http.Error(w, "account id is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.config.AllowOrigins,
	})
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := h.hub.Subscribe(accountID)
	defer sub.Close()

	h.logger.Info("stream client connected",
		zap.String("account_id", accountID),
		zap.String("subscription_id", sub.ID),
	)

	// Clients only listen; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	status, reason := h.pump(ctx, conn, sub)
	_ = conn.Close(status, reason)

	h.logger.Info("stream client disconnected",
		zap.String("account_id", accountID),
		zap.String("subscription_id", sub.ID),
		zap.String("reason", reason),
	)
}

func (h *Handler) pump(ctx context.Context, conn *websocket.Conn, sub *Subscription) (websocket.StatusCode, string) {
	var ping <-chan time.Time
	if h.config.PingInterval > 0 {
		t := time.NewTicker(h.config.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return websocket.StatusNormalClosure, "bye"
		case payload, ok := <-sub.C():
			if !ok {
				return websocket.StatusPolicyViolation, "backpressure"
			}
			if err := h.write(ctx, conn, payload); err != nil {
				return websocket.StatusInternalError, "write failed"
			}
		case <-ping:
			pctx, cancel := context.WithTimeout(ctx, h.config.WriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return websocket.StatusNormalClosure, "bye"
				}
				return websocket.StatusGoingAway, "ping timeout"
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	if h.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.WriteTimeout)
		defer cancel()
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}
