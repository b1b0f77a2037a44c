package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/cpp-cyber/proclone/internal/pool"
	"github.com/cpp-cyber/proclone/internal/pve"
	"github.com/gin-gonic/gin"
)

// Handler holds the pool manager and PVE client, following this codebase's
// handler-struct-holding-a-service shape
// (internal/api/handlers/cloning_handler.go).
type Handler struct {
	manager          *pool.Manager
	pve              pve.Client
	startStopTimeout time.Duration
	pollInterval     time.Duration
}

// NewHandler constructs a Handler.
func NewHandler(manager *pool.Manager, pveClient pve.Client, startStopTimeout, pollInterval time.Duration) *Handler {
	return &Handler{manager: manager, pve: pveClient, startStopTimeout: startStopTimeout, pollInterval: pollInterval}
}

// AllocateHandler handles POST /allocate.
func (h *Handler) AllocateHandler(c *gin.Context) {
	var req AllocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid allocate request", "details": err.Error()})
		return
	}

	instanceID := req.InstanceID
	if instanceID == "" {
		generated, err := pool.GenerateInstanceID()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate instance id", "details": err.Error()})
			return
		}
		instanceID = generated
	}

	shouldStart := true
	if raw := c.Query("start"); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			shouldStart = parsed
		}
	}

	ctx := c.Request.Context()
	container, fromPool, err := h.manager.Allocate(ctx, req.TemplateVMID, instanceID)
	if err != nil {
		log.Printf("api: allocate failed for template %d: %v", req.TemplateVMID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to allocate container", "details": err.Error()})
		return
	}

	if err := h.pve.SetContainerHostname(ctx, container.VMID, instanceID); err != nil {
		log.Printf("api: warning, hostname rename failed for vmid %d: %v", container.VMID, err)
	}

	if shouldStart {
		upid, err := h.pve.StartContainer(ctx, container.VMID)
		if err != nil {
			log.Printf("api: warning, start failed for vmid %d: %v", container.VMID, err)
		} else if err := h.pve.WaitForTask(ctx, upid, h.startStopTimeout, h.pollInterval); err != nil {
			log.Printf("api: warning, start task failed for vmid %d: %v", container.VMID, err)
		}
	}

	c.JSON(http.StatusOK, AllocateResponse{
		VMID:              container.VMID,
		Hostname:          instanceID,
		InstanceID:        instanceID,
		TemplateVMID:      container.TemplateVMID,
		AllocatedFromPool: fromPool,
	})
}

// ReleaseHandler handles POST /release/:vmid. Always 200, even for unknown
// vmids, matching the spec's idempotent-release contract.
func (h *Handler) ReleaseHandler(c *gin.Context) {
	vmid, err := strconv.Atoi(c.Param("vmid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid vmid"})
		return
	}

	if err := h.manager.Release(c.Request.Context(), vmid); err != nil {
		log.Printf("api: release of vmid %d reported an error: %v", vmid, err)
	}
	c.JSON(http.StatusOK, gin.H{"message": "Container released"})
}

// RemoveHandler handles DELETE /containers/:vmid.
func (h *Handler) RemoveHandler(c *gin.Context) {
	vmid, err := strconv.Atoi(c.Param("vmid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid vmid"})
		return
	}

	if err := h.manager.Remove(c.Request.Context(), vmid); err != nil {
		log.Printf("api: remove of vmid %d reported an error: %v", vmid, err)
	}
	c.JSON(http.StatusOK, gin.H{"message": "Container removed"})
}

// WarmHandler handles POST /warm/:template?count=N.
func (h *Handler) WarmHandler(c *gin.Context) {
	templateVMID, err := strconv.Atoi(c.Param("template"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid template vmid"})
		return
	}

	count := h.manager.TargetFor(templateVMID)
	if raw := c.Query("count"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid count"})
			return
		}
		count = parsed
	}

	enqueued := h.manager.Warm(templateVMID, count)
	c.JSON(http.StatusOK, WarmResponse{TemplateVMID: templateVMID, Enqueued: enqueued})
}

// StatusHandler handles GET /status.
func (h *Handler) StatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.GetStatus())
}

// HealthHandler handles GET /health. Never gated by auth.
func (h *Handler) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339)})
}
