package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"loan-sync-worker/internal/pkg/log_messages"
	"loan-sync-worker/internal/pkg/logger"
	storemodels "loan-sync-worker/internal/pkg/store/models"
	"loan-sync-worker/internal/service/bulksync"

	"github.com/gin-gonic/gin"
)

// SyncServiceInterface is the part of the bulk sync driver the admin API drives.
type SyncServiceInterface interface {
	Start(ctx context.Context, trigger string, tables []string) (string, error)
	Running() bool
	Status(ctx context.Context) (*storemodels.SyncStatus, error)
}

type SyncStartResponse struct {
	RunID   string   `json:"run_id,omitempty"`
	Tables  []string `json:"tables,omitempty"`
	Message string   `json:"message"`
}

type SyncStatusResponse struct {
	Running bool                    `json:"running"`
	Last    *storemodels.SyncStatus `json:"last_run"`
}

type SyncHandler struct {
	service SyncServiceInterface
}

func NewSyncHandler(service SyncServiceInterface) *SyncHandler {
	return &SyncHandler{
		service: service,
	}
}

// StartSync triggers a bulk sync. ?tables=loan,offer limits the run.
func (h *SyncHandler) StartSync(c *gin.Context) {
	tables := parseTables(c.Query("tables"))

	runID, err := h.service.Start(c.Request.Context(), bulksync.TriggerManual, tables)
	if errors.Is(err, bulksync.ErrAlreadyRunning) {
		c.JSON(http.StatusConflict, SyncStartResponse{Message: log_messages.BulkSyncAlreadyRunning})
		return
	}
	if errors.Is(err, bulksync.ErrUnknownTable) {
		c.JSON(http.StatusBadRequest, SyncStartResponse{Message: err.Error()})
		return
	}
	if err != nil {
		logger.CtxError(c.Request.Context(), "Failed to start bulk sync", err)
		c.JSON(http.StatusInternalServerError, SyncStartResponse{Message: err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, SyncStartResponse{
		RunID:   runID,
		Tables:  tables,
		Message: "bulk sync started",
	})
}

func (h *SyncHandler) GetStatus(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context())
	if err != nil {
		logger.CtxError(c.Request.Context(), "Failed to read sync status", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, SyncStatusResponse{
		Running: h.service.Running(),
		Last:    status,
	})
}

func parseTables(raw string) []string {
	var tables []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tables = append(tables, t)
		}
	}
	return tables
}
