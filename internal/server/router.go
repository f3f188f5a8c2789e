package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/relay"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncmodel"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/transport"
)

const (
	deviceIDContextKey       = "solostack_device_id"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingRelay         = errors.New("relay dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type RelayService interface {
	Push(ctx context.Context, request transport.PushRequest) (transport.PushResult, error)
	Pull(ctx context.Context, request transport.PullRequest) (transport.PullResult, error)
}

type DeviceTokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Relay             RelayService
	TokenManager      DeviceTokenValidator
	Realtime          *RealtimeDispatcher
	Metrics           http.Handler
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Relay == nil {
		return nil, errMissingRelay
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		relay:     deps.Relay,
		tokens:    deps.TokenManager,
		realtime:  realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	protected := router.Group("/sync")
	protected.Use(handler.authorizeRequest)
	protected.POST("/push", handler.handlePush)
	protected.POST("/pull", handler.handlePull)
	protected.GET("/stream", handler.handleStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Accept", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	relay     RelayService
	tokens    DeviceTokenValidator
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handlePush(c *gin.Context) {
	deviceID := c.GetString(deviceIDContextKey)
	var request transport.PushRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "Push body must be a JSON object with a changes array.")
		return
	}
	if !h.sameDevice(c, request.DeviceID, deviceID) {
		return
	}
	request.DeviceID = deviceID

	result, err := h.relay.Push(c.Request.Context(), request)
	if err != nil {
		h.logger.Error("failed to append pushed changes", zap.String("device_id", deviceID), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "push_failed", "Sync push could not be stored.")
		return
	}
	if len(result.Accepted) > 0 {
		h.realtime.Publish(ChangeNotice{
			SourceDevice: deviceID,
			Cursor:       result.ServerCursor,
			Count:        len(result.Accepted),
			Timestamp:    time.Now().UTC(),
		})
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handlePull(c *gin.Context) {
	deviceID := c.GetString(deviceIDContextKey)
	var request transport.PullRequest
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "Pull body must be a JSON object.")
		return
	}
	if !h.sameDevice(c, request.DeviceID, deviceID) {
		return
	}
	request.DeviceID = deviceID

	result, err := h.relay.Pull(c.Request.Context(), request)
	if errors.Is(err, relay.ErrInvalidCursor) {
		abortWithError(c, http.StatusBadRequest, "invalid_cursor", "Pull cursor is not valid for this endpoint.")
		return
	}
	if err != nil {
		h.logger.Error("failed to read changes", zap.String("device_id", deviceID), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "pull_failed", "Sync pull could not be served.")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleStream(c *gin.Context) {
	deviceID := c.GetString(deviceIDContextKey)
	ctx := c.Request.Context()
	notices, cleanup := h.realtime.Subscribe(ctx, deviceID)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceRelay, "timestamp": time.Now().UTC().Format(time.RFC3339)})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case notice, ok := <-notices:
			if !ok {
				return false
			}
			c.SSEvent(RealtimeEventChangesAvailable, gin.H{
				"source":    realtimeSourceRelay,
				"cursor":    notice.Cursor,
				"count":     notice.Count,
				"timestamp": notice.Timestamp.Format(time.RFC3339),
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceRelay, "timestamp": tick.UTC().Format(time.RFC3339)})
			return true
		}
	})
}

// sameDevice rejects bodies that claim a device other than the token subject.
func (h *httpHandler) sameDevice(c *gin.Context, claimed, authenticated string) bool {
	if strings.TrimSpace(claimed) == "" || syncmodel.NormalizeDeviceID(claimed) == syncmodel.NormalizeDeviceID(authenticated) {
		return true
	}
	h.logger.Warn("device id does not match token subject",
		zap.String("claimed_device_id", claimed),
		zap.String("device_id", authenticated))
	abortWithError(c, http.StatusForbidden, "device_mismatch", "Device id does not match the access token.")
	return false
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		abortWithError(c, http.StatusUnauthorized, "unauthorized", errInvalidAuthorization.Error())
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		abortWithError(c, http.StatusUnauthorized, "unauthorized", "Access token is not valid.")
		return
	}
	c.Set(deviceIDContextKey, syncmodel.NormalizeDeviceID(subject))
	c.Next()
}

// bearerToken reads the Authorization header; event streams may pass the
// token as access_token because EventSource cannot set headers.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if c.Request.Method == http.MethodGet {
		return strings.TrimSpace(c.Query("access_token"))
	}
	return ""
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": message})
}
