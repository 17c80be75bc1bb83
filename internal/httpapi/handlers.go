package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/atticmail/atticmail/internal/store"
	"github.com/atticmail/atticmail/internal/vault"
)

type createTenantRequest struct {
	Name string `json:"name" binding:"required"`
	Plan string `json:"plan"`
}

func (s *Server) createTenant(c *gin.Context) {
	var req createTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Plan == "" {
		req.Plan = "standard"
	}

	tenant, err := s.store.CreateTenant(c.Request.Context(), req.Name, req.Plan)
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, tenant)
}

func (s *Server) listTenants(c *gin.Context) {
	tenants, err := s.store.ListTenants(c.Request.Context())
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, tenants)
}

func (s *Server) getTenant(c *gin.Context) {
	tenant, err := s.store.GetTenant(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, tenant)
}

// createConnectionRequest carries the token bundle handed over by the OAuth
// callback flow. The bundle is sealed immediately; only the opaque reference
// is stored.
type createConnectionRequest struct {
	ProviderTenantID string   `json:"provider_tenant_id" binding:"required"`
	Scopes           []string `json:"scopes" binding:"required"`
	AccessToken      string   `json:"access_token" binding:"required"`
	RefreshToken     string   `json:"refresh_token" binding:"required"`
	ExpiresAt        int64    `json:"expires_at" binding:"required"`
}

func (s *Server) createConnection(c *gin.Context) {
	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenantID := c.Param("id")
	if _, err := s.store.GetTenant(c.Request.Context(), tenantID); err != nil {
		abortStoreErr(c, err)
		return
	}

	ref, err := s.vault.Encrypt(vault.Bundle{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		Expiry:       time.Unix(req.ExpiresAt, 0).UTC(),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to seal token bundle"})
		return
	}

	conn, err := s.store.CreateConnection(c.Request.Context(), tenantID, req.ProviderTenantID, req.Scopes, ref)
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, conn)
}

func (s *Server) listConnections(c *gin.Context) {
	conns, err := s.store.ListConnections(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, conns)
}

func (s *Server) revokeConnection(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.UpdateConnectionStatus(c.Request.Context(), id, store.ConnectionRevoked); err != nil {
		abortStoreErr(c, err)
		return
	}
	s.log.Info("connection revoked", zap.String("connection_id", id))
	c.JSON(http.StatusOK, gin.H{"status": store.ConnectionRevoked})
}

type createMailboxRequest struct {
	ConnectionID string `json:"connection_id" binding:"required"`
	Address      string `json:"address" binding:"required,email"`
}

func (s *Server) createMailbox(c *gin.Context) {
	var req createMailboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenantID := c.Param("id")
	conn, err := s.store.GetConnection(c.Request.Context(), req.ConnectionID)
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	if conn.TenantID != tenantID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "connection belongs to a different tenant"})
		return
	}

	mb, err := s.store.CreateMailbox(c.Request.Context(), tenantID, req.ConnectionID, req.Address)
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, mb)
}

func (s *Server) listMailboxes(c *gin.Context) {
	boxes, err := s.store.ListMailboxes(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, boxes)
}

func (s *Server) pauseMailbox(c *gin.Context) {
	s.setMailboxStatus(c, store.MailboxPaused)
}

func (s *Server) resumeMailbox(c *gin.Context) {
	s.setMailboxStatus(c, store.MailboxActive)
}

func (s *Server) setMailboxStatus(c *gin.Context, status string) {
	if err := s.store.UpdateMailboxStatus(c.Request.Context(), c.Param("id"), status); err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (s *Server) listUsage(c *gin.Context) {
	filter, ok := usageFilter(c)
	if !ok {
		return
	}
	events, err := s.ledger.List(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) aggregateUsage(c *gin.Context) {
	filter, ok := usageFilter(c)
	if !ok {
		return
	}
	agg, err := s.ledger.Aggregate(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, agg)
}

func usageFilter(c *gin.Context) (store.UsageFilter, bool) {
	f := store.UsageFilter{
		Service: c.Query("service"),
		Metric:  c.Query("metric"),
	}
	for name, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be RFC 3339"})
			return f, false
		}
		*dst = t
	}
	return f, true
}

type startPollingRequest struct {
	IntervalMinutes int `json:"interval_minutes"`
}

func (s *Server) startPolling(c *gin.Context) {
	var req startPollingRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	interval := s.pollInterval
	if req.IntervalMinutes > 0 {
		interval = time.Duration(req.IntervalMinutes) * time.Minute
	}

	s.poller.Start(interval)
	c.JSON(http.StatusOK, gin.H{"running": true, "interval": interval.String()})
}

func (s *Server) stopPolling(c *gin.Context) {
	s.poller.Stop()
	c.JSON(http.StatusOK, gin.H{"running": false})
}

func (s *Server) pollingStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": s.poller.Running()})
}
