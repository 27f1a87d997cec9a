// Package admin exposes the configuration API used by the dashboard: read
// the masked config, mutate repositories, set environment secrets, and
// stream live session events over a websocket.
package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	commoncfg "github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/httpmw"
	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/config"
	"github.com/ceedaragents/cyrus/internal/events/bus"
	"github.com/ceedaragents/cyrus/internal/session"
)

// API wires the admin routes. All routes sit behind the bearer admin token.
type API struct {
	cfg      commoncfg.AdminConfig
	manager  *config.Manager
	registry *session.Registry
	bus      bus.EventBus
	env      *EnvStore
	logger   *logger.Logger
}

func New(cfg commoncfg.AdminConfig, manager *config.Manager, registry *session.Registry, eventBus bus.EventBus, env *EnvStore, log *logger.Logger) *API {
	return &API{
		cfg:      cfg,
		manager:  manager,
		registry: registry,
		bus:      eventBus,
		env:      env,
		logger:   log.WithFields(zap.String("component", "admin")),
	}
}

// Register attaches the admin routes to the shared server.
func (a *API) Register(r gin.IRouter) {
	group := r.Group("/admin", httpmw.BearerAuth(a.cfg.Token))
	group.GET("/config", a.getConfig)
	group.POST("/repositories", a.addRepository)
	group.PUT("/repositories/:id", a.updateRepository)
	group.DELETE("/repositories/:id", a.removeRepository)
	group.POST("/reload", a.reload)
	group.GET("/sessions", a.listSessions)
	group.GET("/sessions/stream", a.streamSessions)
	group.POST("/env", a.setEnv)

	// The github-token route lives outside /admin per the dashboard contract
	// but uses the same bearer token.
	r.POST("/github-token", httpmw.BearerAuth(a.cfg.Token), a.setGitHubToken)
}

// getConfig returns the active config with token material masked.
func (a *API) getConfig(c *gin.Context) {
	active := a.manager.Get()
	masked, err := active.Masked()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, masked)
}

func (a *API) addRepository(c *gin.Context) {
	var repo config.Repository
	if err := c.ShouldBindJSON(&repo); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.manager.AddRepository(c.Request.Context(), repo); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	a.logger.Info("repository added", zap.String("repository_id", repo.ID))
	c.JSON(http.StatusCreated, gin.H{"success": true, "id": repo.ID})
}

func (a *API) updateRepository(c *gin.Context) {
	var repo config.Repository
	if err := c.ShouldBindJSON(&repo); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	repo.ID = c.Param("id")
	if err := a.manager.UpdateRepository(c.Request.Context(), repo); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *API) removeRepository(c *gin.Context) {
	id := c.Param("id")
	if err := a.manager.RemoveRepository(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	a.logger.Info("repository removed", zap.String("repository_id", id))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *API) reload(c *gin.Context) {
	if err := a.manager.Reload(c.Request.Context()); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *API) listSessions(c *gin.Context) {
	if repoID := c.Query("repository"); repoID != "" {
		c.JSON(http.StatusOK, gin.H{"sessions": a.registry.ListByRepository(repoID)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": a.registry.ListLive()})
}

// setEnv persists secrets into the worker's .env file. Values become
// visible to future runner subprocesses, not the current ones.
func (a *API) setEnv(c *gin.Context) {
	var vars map[string]string
	if err := c.ShouldBindJSON(&vars); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(vars) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no variables provided"})
		return
	}
	if err := a.env.Set(vars); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(vars)})
}

func (a *API) setGitHubToken(c *gin.Context) {
	var body struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.env.Set(map[string]string{"GITHUB_TOKEN": body.Token}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
