package controllers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"pushwatch/internal/middleware"
	"pushwatch/internal/models"
	"pushwatch/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
)

// MaxBodyBytes caps the size of one submission
const MaxBodyBytes = 1 << 20

// MetricsController serves ingestion, health and the hosts view over one record store.
type MetricsController struct {
	store *services.RecordStore
	hosts *services.HostsCache
	log   logr.Logger
}

func NewMetricsController(store *services.RecordStore, hosts *services.HostsCache, log logr.Logger) *MetricsController {
	return &MetricsController{store: store, hosts: hosts, log: log.WithName("ingest")}
}

// ReceiveMetrics stores one authenticated submission. The record is fully
// written before the acknowledgment is sent.
func (mc *MetricsController) ReceiveMetrics(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	if err := services.ValidatePayload(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, err := mc.store.Save(body)
	if err != nil {
		if errors.Is(err, services.ErrInvalidPayload) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		mc.log.Error(err, "failed to store submission", "ip", c.ClientIP())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store metrics"})
		return
	}

	principal, _ := middleware.PrincipalFrom(c)
	mc.log.V(1).Info("stored submission", "record", record.ID, "bytes", record.Size, "principal", principal.Name)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetHealth needs no credentials. An empty storage root is healthy.
func (mc *MetricsController) GetHealth(c *gin.Context) {
	status := models.HealthStatus{
		Status:    models.StatusHealthy,
		Timestamp: time.Now().UTC().Format(models.TimestampLayout),
		DataDir:   mc.store.Dir(),
	}

	count, err := mc.store.Count()
	if err != nil {
		mc.log.Error(err, "health check could not list storage")
		status.Status = models.StatusUnhealthy
		status.Error = "storage directory unavailable"
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}

	status.FilesCount = count
	c.JSON(http.StatusOK, status)
}

// GetHosts returns the latest known state of every host, rebuilt from stored records
func (mc *MetricsController) GetHosts(c *gin.Context) {
	report, err := mc.hosts.Report()
	if err != nil {
		mc.log.Error(err, "failed to build hosts report")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read records"})
		return
	}
	c.JSON(http.StatusOK, report)
}
