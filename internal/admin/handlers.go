package admin

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/agentguard/internal/ledger"
	"github.com/NikhilSetiya/agentguard/internal/ratelimit"
	"github.com/NikhilSetiya/agentguard/internal/upstream"
	"github.com/NikhilSetiya/agentguard/pkg/logging"
	"github.com/NikhilSetiya/agentguard/pkg/resilience"
)

type handlers struct {
	quotas       QuotaReader
	breakers     *resilience.BreakerRegistry
	executor     Executor
	upstreams    WorkSource
	ledger       ledger.Reader
	logger       *logging.Logger
	maxBodyBytes int64
}

// execute handles POST /v1/execute/:resource?timeout=30s. The subject is the
// X-Tenant-ID header, else the caller's address.
func (h *handlers) execute(c *gin.Context) {
	var timeout time.Duration
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			BadRequestResponse(c, "timeout must be a positive duration")
			return
		}
		timeout = d
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
	if err != nil {
		BadRequestResponse(c, "request body is too large or unreadable")
		return
	}

	resource := c.Param("resource")
	work, err := h.upstreams.Work(resource, upstream.Request{
		Method: http.MethodPost,
		Body:   body,
		Header: c.Request.Header,
	})
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	subject := ratelimit.SubjectFromOrigin(c.GetHeader("X-Tenant-ID"), c.Request.RemoteAddr)
	result := h.executor.Execute(c.Request.Context(), subject, resource, work, timeout)
	ExecutionResponse(c, result)
}

// getQuotas handles GET /v1/quotas/:subject
func (h *handlers) getQuotas(c *gin.Context) {
	subject := c.Param("subject")
	status, err := h.quotas.Status(c.Request.Context(), subject)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, gin.H{
		"subject":    subject,
		"dimensions": status,
	})
}

// listExecutions handles GET /v1/executions/:subject?limit=N
func (h *handlers) listExecutions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			BadRequestResponse(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := h.ledger.Recent(c.Request.Context(), c.Param("subject"), limit)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, records)
}

func (h *handlers) listBreakers(c *gin.Context) {
	snapshots, err := h.breakers.Metrics("")
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, snapshots)
}

func (h *handlers) getBreaker(c *gin.Context) {
	snapshots, err := h.breakers.Metrics(c.Param("resource"))
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, snapshots[0])
}

func (h *handlers) resetBreakers(c *gin.Context) {
	if err := h.breakers.Reset(""); err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	h.logger.Info("All circuit breakers reset", "client_ip", c.ClientIP())
	SuccessResponse(c, gin.H{"reset": h.breakers.Resources()})
}

func (h *handlers) resetBreaker(c *gin.Context) {
	resource := c.Param("resource")
	if err := h.breakers.Reset(resource); err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	h.logger.Info("Circuit breaker reset", "resource", resource, "client_ip", c.ClientIP())
	SuccessResponse(c, gin.H{"reset": []string{resource}})
}
