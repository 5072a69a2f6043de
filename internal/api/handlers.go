package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"example.com/terrarium/services/habitat/internal/core"
	"example.com/terrarium/services/habitat/internal/ws"
)

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	services *core.ServiceRegistry
	store    core.DataStore
	hub      *ws.Hub
	logger   *logrus.Logger
	upgrader websocket.Upgrader
}

// NewAPIHandlers creates a new handler instance
func NewAPIHandlers(services *core.ServiceRegistry, store core.DataStore, hub *ws.Hub, logger *logrus.Logger) *APIHandlers {
	return &APIHandlers{
		services: services,
		store:    store,
		hub:      hub,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HealthCheck returns service health status
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "habitat-monitoring-api",
	})
}

// --- Device Endpoints ---

// GetDevice returns the last known state of one device
func (h *APIHandlers) GetDevice(c *gin.Context) {
	device, err := h.services.Devices.Get(c.Request.Context(), c.Param("uid"))
	if err != nil {
		if errors.Is(err, core.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get device"})
		}
		return
	}

	c.JSON(http.StatusOK, device)
}

// ListDevices returns all known devices, optionally filtered by zone
func (h *APIHandlers) ListDevices(c *gin.Context) {
	devices, err := h.services.Devices.List(c.Request.Context(), c.Query("zone"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// ReportDeviceStatus accepts a partial status report over HTTP, for
// devices that cannot reach the broker
func (h *APIHandlers) ReportDeviceStatus(c *gin.Context) {
	var report core.StatusReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status format"})
		return
	}

	if err := h.services.Devices.OnStatusReport(c.Request.Context(), c.Param("uid"), report); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to merge status"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// --- Command Endpoints ---

// SubmitCommand issues a command to a device
func (h *APIHandlers) SubmitCommand(c *gin.Context) {
	var cmd core.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command format"})
		return
	}
	cmd.DeviceUID = c.Param("uid")

	submitted, err := h.services.Orchestrator.SubmitCommand(c.Request.Context(), &cmd)
	if err != nil {
		switch {
		case core.IsValidation(err):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, core.ErrDispatchQueueFull):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit command"})
		}
		return
	}

	c.JSON(http.StatusAccepted, submitted)
}

// GetCommand returns the current state of a command
func (h *APIHandlers) GetCommand(c *gin.Context) {
	cmd, err := h.services.Commands.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrCommandNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get command"})
		}
		return
	}

	c.JSON(http.StatusOK, cmd)
}

// CancelCommand aborts a command that has not settled yet
func (h *APIHandlers) CancelCommand(c *gin.Context) {
	cmd, err := h.services.Commands.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrCommandNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel command"})
		}
		return
	}

	c.JSON(http.StatusOK, cmd)
}

// --- Telemetry Endpoints ---

// IngestTelemetry accepts one reading over HTTP
func (h *APIHandlers) IngestTelemetry(c *gin.Context) {
	var reading core.Reading
	if err := c.ShouldBindJSON(&reading); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid telemetry format"})
		return
	}

	err := h.services.Orchestrator.IngestTelemetry(c.Request.Context(), c.Param("uid"), &reading)
	if err != nil {
		switch {
		case core.IsValidation(err), errors.Is(err, core.ErrEmptyReading):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, core.ErrTelemetryQueueFull):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest telemetry"})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// GetDeviceAnalytics returns recent analytics records for a device
func (h *APIHandlers) GetDeviceAnalytics(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	records, err := h.store.GetRecentAnalytics(c.Request.Context(), c.Param("uid"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get analytics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

// --- Alert Endpoints ---

// ListAlerts returns recent alerts, optionally scoped to a device
func (h *APIHandlers) ListAlerts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	alerts, err := h.store.ListAlerts(c.Request.Context(), c.Query("device_uid"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list alerts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// AlertStream upgrades the connection and streams alerts matching the
// subscriber's interest. Interest comes from query parameters and can be
// updated over the socket.
func (h *APIHandlers) AlertStream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	connectionID := uuid.New().String()
	subscriberID := c.DefaultQuery("subscriber_id", connectionID)

	interest := core.Interest{All: c.Query("all") == "true"}
	if uids := c.Query("device_uids"); uids != "" {
		interest.DeviceUIDs = strings.Split(uids, ",")
	}

	client := ws.NewClient(connectionID, subscriberID, conn, h.hub,
		func(update core.Interest) {
			h.services.Alerts.Subscribe(subscriberID, connectionID, update)
		},
		func() {
			h.services.Alerts.Unsubscribe(subscriberID, connectionID)
		})

	h.hub.Register(client)
	h.services.Alerts.Subscribe(subscriberID, connectionID, interest)
}

// --- Admin Endpoints ---

// GetSystemStats returns system statistics
func (h *APIHandlers) GetSystemStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pipeline":    h.services.Telemetry.Stats(),
		"connections": h.hub.Count(),
		"timestamp":   time.Now(),
	})
}

// ExpireCommands runs a command expiry sweep immediately
func (h *APIHandlers) ExpireCommands(c *gin.Context) {
	expired := h.services.Commands.ExpireOverdue(c.Request.Context(), time.Now())
	c.JSON(http.StatusOK, gin.H{"expired": expired})
}
