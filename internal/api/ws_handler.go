package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"mbtiQuiz/internal/api/middleware"
	"mbtiQuiz/internal/auth"
	"mbtiQuiz/internal/notify"
)

const (
	wsAuthTimeout  = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// WsHandler 通过 WebSocket 把用户通知频道中的消息推送给前端。
type WsHandler struct {
	redisClient    redis.UniversalClient
	authService    *auth.AuthService
	revocations    auth.RevocationStore
	logger         *slog.Logger
	upgrader       websocket.Upgrader
	allowedOrigins []string
}

// NewWsHandler 构造 WebSocket 处理器。allowedOrigins 含 "*" 时不校验来源。
func NewWsHandler(redisClient redis.UniversalClient, authService *auth.AuthService, revocations auth.RevocationStore, logger *slog.Logger, allowedOrigins []string) *WsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &WsHandler{
		redisClient:    redisClient,
		authService:    authService,
		revocations:    revocations,
		logger:         logger,
		allowedOrigins: allowedOrigins,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if len(h.allowedOrigins) == 0 {
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			}
			for _, allowed := range h.allowedOrigins {
				if allowed == "*" || origin == allowed {
					return true
				}
			}
			return false
		},
	}
	return h
}

type wsAuthMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

var errWsAuthRequired = errors.New("first message must be an auth message")

// HandleConnection 升级连接，要求首条消息携带令牌，之后转发该用户的通知。
func (h *WsHandler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("upgrade websocket failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	log := h.logger.With(
		slog.String("client_ip", c.ClientIP()),
		slog.String("correlation_id", middleware.GetCorrelationID(c)),
	)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	claims, err := h.authenticate(ctx, conn)
	if err != nil {
		log.Warn("websocket authentication failed", slog.Any("error", err))
		return
	}
	log = log.With(slog.Uint64("user_id", uint64(claims.UserID)))
	log.Info("websocket authenticated")

	// 认证后客户端发来的消息直接丢弃，读循环只用于感知断开。
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.forward(ctx, conn, claims.UserID, log); err != nil {
		log.Info("websocket connection closed", slog.Any("error", err))
		return
	}
	log.Info("websocket connection closed")
}

func (h *WsHandler) authenticate(ctx context.Context, conn *websocket.Conn) (*auth.TokenClaims, error) {
	_ = conn.SetReadDeadline(time.Now().Add(wsAuthTimeout))

	var msg wsAuthMessage
	if err := conn.ReadJSON(&msg); err != nil {
		writeClose(conn, websocket.ClosePolicyViolation, "invalid auth payload")
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	if msg.Type != "auth" || msg.Token == "" {
		writeClose(conn, websocket.ClosePolicyViolation, "auth required")
		return nil, errWsAuthRequired
	}

	claims, err := h.authService.ValidateToken(msg.Token)
	if err != nil {
		writeClose(conn, websocket.ClosePolicyViolation, "unauthorized")
		return nil, fmt.Errorf("validate token: %w", err)
	}
	if h.revocations != nil {
		revoked, err := h.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			writeClose(conn, websocket.CloseInternalServerErr, "try again later")
			return nil, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			writeClose(conn, websocket.ClosePolicyViolation, "unauthorized")
			return nil, auth.ErrInvalidToken
		}
	}

	_ = conn.SetReadDeadline(time.Time{})
	return claims, nil
}

// forward 订阅用户通知频道并写给客户端，同时定期发送 ping。
// ctx 结束时返回 nil。
func (h *WsHandler) forward(ctx context.Context, conn *websocket.Conn, userID uint, log *slog.Logger) error {
	channel := notify.Channel(userID)
	pubsub := h.redisClient.Subscribe(ctx, channel)
	defer pubsub.Close()

	messages := pubsub.Channel()
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	log.Debug("subscribed to notification channel", slog.String("channel", channel))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errors.New("notification channel closed")
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return fmt.Errorf("write message: %w", err)
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

func writeClose(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(5*time.Second))
}
