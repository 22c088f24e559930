package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AfshinJalili/fintrack/libs/auth"
	"github.com/AfshinJalili/fintrack/libs/httpmiddleware"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/permissions"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/rate"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/service"
)

const (
	KeyByIP   = "ip"
	KeyByUser = "user"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type ChatService interface {
	Chat(ctx context.Context, input service.ChatInput) (*service.ChatResult, error)
	ReloadAgent(ctx context.Context) error
}

type ChatHandler struct {
	Service   ChatService
	Limiter   rate.Limiter
	Logger    *slog.Logger
	KeySource string
	// Provider names the reasoning backend in quota messages.
	Provider string
	Clock    Clock
}

type chatRequest struct {
	Question string `json:"question"`
	UserID   string `json:"user_id"`
}

type chatResponse struct {
	UserID              string             `json:"user_id"`
	Question            string             `json:"question"`
	Answer              string             `json:"answer"`
	PermissionsEnforced permissions.Record `json:"permissions_enforced"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type template struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Category    string `json:"category"`
	Icon        string `json:"icon"`
	Description string `json:"description"`
}

var templates = []template{
	{ID: "investment-review", Title: "Investment Portfolio Review", Category: "investment", Icon: "show_chart", Description: "Get personalized advice on your investment mix"},
	{ID: "budget-optimizer", Title: "Monthly Budget Optimizer", Category: "budgeting", Icon: "pie_chart", Description: "Optimize your monthly spending"},
	{ID: "spending-analysis", Title: "Spending Pattern Analysis", Category: "budgeting", Icon: "analytics", Description: "Analyze your spending habits"},
	{ID: "debt-payoff", Title: "Debt Payoff Strategy", Category: "loans", Icon: "payments", Description: "Create a debt elimination plan"},
}

func NewChatHandler(svc ChatService, limiter rate.Limiter, logger *slog.Logger, keySource, provider string) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if keySource == "" {
		keySource = KeyByIP
	}
	return &ChatHandler{
		Service:   svc,
		Limiter:   limiter,
		Logger:    logger,
		KeySource: keySource,
		Provider:  provider,
		Clock:     systemClock{},
	}
}

// RegisterRoutes mounts the assistant API under /api/v1 behind mw, plus
// the legacy /chat alias.
func (h *ChatHandler) RegisterRoutes(r *gin.Engine, mw ...gin.HandlerFunc) {
	api := r.Group("/api/v1", mw...)
	api.POST("/ai/chat", h.Chat)
	api.POST("/ai/reload-agent", h.ReloadAgent)
	api.GET("/ai/templates", h.Templates)

	legacy := r.Group("", mw...)
	legacy.POST("/chat", h.Chat)
}

func (h *ChatHandler) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Question = strings.TrimSpace(req.Question)
	if req.UserID == "" || req.Question == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "user_id and question are required"})
		return
	}

	allowed, retryAfter, err := h.Limiter.Allow(c.Request.Context(), h.rateKey(c, req.UserID), h.Clock.Now())
	if err != nil {
		h.Logger.Error("rate limiter unavailable", "error", err)
		c.JSON(http.StatusServiceUnavailable, errorResponse{Code: "UNAVAILABLE", Message: "service temporarily unavailable"})
		return
	}
	if !allowed {
		setRetryAfter(c, retryAfter)
		c.JSON(http.StatusTooManyRequests, errorResponse{Code: "RATE_LIMITED", Message: "too many requests"})
		return
	}

	if !auth.MayActFor(c, req.UserID) {
		c.JSON(http.StatusForbidden, errorResponse{Code: "FORBIDDEN", Message: "token does not match user_id"})
		return
	}

	res, err := h.Service.Chat(c.Request.Context(), service.ChatInput{
		UserID:        req.UserID,
		Question:      req.Question,
		CorrelationID: httpmiddleware.RequestIDFrom(c),
	})
	if err != nil {
		h.writeChatError(c, req.UserID, err)
		return
	}

	c.JSON(http.StatusOK, chatResponse{
		UserID:              res.UserID,
		Question:            res.Question,
		Answer:              res.Answer,
		PermissionsEnforced: res.Permissions,
	})
}

func (h *ChatHandler) writeChatError(c *gin.Context, userID string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "user_id and question are required"})
	case errors.Is(err, service.ErrAgentUnavailable):
		c.JSON(http.StatusServiceUnavailable, errorResponse{Code: "UNAVAILABLE", Message: "AI agent is not initialized"})
	case errors.Is(err, service.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, errorResponse{Code: "UNAVAILABLE", Message: "the assistant took too long to answer, please try again"})
	case errors.Is(err, service.ErrUpstreamQuota):
		c.JSON(http.StatusTooManyRequests, errorResponse{
			Code:    "UPSTREAM_QUOTA",
			Message: fmt.Sprintf("The AI service (%s) is currently at its quota limit. Please try again soon.", h.Provider),
		})
	default:
		h.Logger.Error("chat failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
	}
}

func (h *ChatHandler) ReloadAgent(c *gin.Context) {
	if err := h.Service.ReloadAgent(c.Request.Context()); err != nil {
		h.Logger.Error("agent reload failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "failed to reload agent"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *ChatHandler) Templates(c *gin.Context) {
	c.JSON(http.StatusOK, templates)
}

func (h *ChatHandler) rateKey(c *gin.Context, userID string) string {
	if h.KeySource == KeyByUser {
		if subject, ok := auth.SubjectFrom(c); ok {
			return "user:" + subject
		}
		return "user:" + userID
	}
	return "ip:" + c.ClientIP()
}

func setRetryAfter(c *gin.Context, d time.Duration) {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
}
