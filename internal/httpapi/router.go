// Package httpapi is the thin admin surface over the core: CRUD for tenants,
// connections and mailboxes, usage reads and poller lifecycle control. No
// pipeline logic lives here.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/atticmail/atticmail/internal/poller"
	"github.com/atticmail/atticmail/internal/store"
	"github.com/atticmail/atticmail/internal/usage"
	"github.com/atticmail/atticmail/internal/vault"
)

// Server bundles the dependencies the routes need.
type Server struct {
	store        *store.Store
	vault        *vault.Vault
	ledger       *usage.Ledger
	poller       *poller.Poller
	pollInterval time.Duration
	log          *zap.Logger
}

// NewServer creates the admin API server.
func NewServer(st *store.Store, v *vault.Vault, ledger *usage.Ledger, p *poller.Poller, pollInterval time.Duration, log *zap.Logger) *Server {
	return &Server{
		store:        st,
		vault:        v,
		ledger:       ledger,
		poller:       p,
		pollInterval: pollInterval,
		log:          log,
	}
}

// Router builds the gin engine. verifier may be nil to disable auth.
func (s *Server) Router(verifier *TokenVerifier) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/", authMiddleware(verifier))

	api.POST("/tenants", s.createTenant)
	api.GET("/tenants", s.listTenants)
	api.GET("/tenants/:id", s.getTenant)

	api.POST("/tenants/:id/connections", s.createConnection)
	api.GET("/tenants/:id/connections", s.listConnections)
	api.POST("/connections/:id/revoke", s.revokeConnection)

	api.POST("/tenants/:id/mailboxes", s.createMailbox)
	api.GET("/tenants/:id/mailboxes", s.listMailboxes)
	api.POST("/mailboxes/:id/pause", s.pauseMailbox)
	api.POST("/mailboxes/:id/resume", s.resumeMailbox)

	api.GET("/tenants/:id/usage", s.listUsage)
	api.GET("/tenants/:id/usage/aggregate", s.aggregateUsage)

	api.POST("/polling/start", s.startPolling)
	api.POST("/polling/stop", s.stopPolling)
	api.GET("/polling/status", s.pollingStatus)

	return r
}

// abortStoreErr maps store errors to HTTP statuses.
func abortStoreErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": "already exists"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
