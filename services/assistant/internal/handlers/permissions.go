package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AfshinJalili/fintrack/libs/auth"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/permissions"
)

type PermissionStore interface {
	GetPermissions(ctx context.Context, userID string) (permissions.Record, error)
	UpdatePermissions(ctx context.Context, userID string, update permissions.Update) (permissions.Record, error)
}

type PermissionsHandler struct {
	Store  PermissionStore
	Logger *slog.Logger
}

type permissionsResponse struct {
	UserID      string             `json:"user_id"`
	Permissions permissions.Record `json:"permissions"`
}

func NewPermissionsHandler(store PermissionStore, logger *slog.Logger) *PermissionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionsHandler{Store: store, Logger: logger}
}

func (h *PermissionsHandler) RegisterRoutes(r *gin.Engine, mw ...gin.HandlerFunc) {
	api := r.Group("/api/v1", mw...)
	api.GET("/users/:user_id/permissions", h.Get)
	api.PUT("/users/:user_id/permissions", h.Update)
	api.POST("/users/update-permissions", h.Update)
}

func (h *PermissionsHandler) Get(c *gin.Context) {
	userID, ok := h.targetUser(c)
	if !ok {
		return
	}

	rec, err := h.Store.GetPermissions(c.Request.Context(), userID)
	if err != nil {
		h.writeStoreError(c, userID, err)
		return
	}
	c.JSON(http.StatusOK, permissionsResponse{UserID: userID, Permissions: rec})
}

// Update applies the flags present in the body; absent flags keep their
// stored value.
func (h *PermissionsHandler) Update(c *gin.Context) {
	userID, ok := h.targetUser(c)
	if !ok {
		return
	}

	var update permissions.Update
	if err := c.ShouldBindJSON(&update); err != nil || update.Empty() {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "at least one permission flag is required"})
		return
	}

	rec, err := h.Store.UpdatePermissions(c.Request.Context(), userID, update)
	if err != nil {
		h.writeStoreError(c, userID, err)
		return
	}
	h.Logger.Info("permissions updated", "user_id", userID, "denied", rec.Denied())
	c.JSON(http.StatusOK, permissionsResponse{UserID: userID, Permissions: rec})
}

// targetUser reads the user id from the path, or from the query string on
// the legacy route, and checks the caller may act on it.
func (h *PermissionsHandler) targetUser(c *gin.Context) (string, bool) {
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		userID = strings.TrimSpace(c.Query("user_id"))
	}
	if userID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "user_id is required"})
		return "", false
	}
	if !auth.MayActFor(c, userID) {
		c.JSON(http.StatusForbidden, errorResponse{Code: "FORBIDDEN", Message: "token does not match user_id"})
		return "", false
	}
	return userID, true
}

func (h *PermissionsHandler) writeStoreError(c *gin.Context, userID string, err error) {
	if errors.Is(err, permissions.ErrUnknownUser) {
		c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "user not found"})
		return
	}
	h.Logger.Error("permission store failed", "user_id", userID, "error", err)
	c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
}
