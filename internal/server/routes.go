package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/kite/internal/buildkite"
	"github.com/zulandar/kite/internal/db"
	"github.com/zulandar/kite/internal/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type handlers struct {
	db       *gorm.DB
	token    string
	notifier notify.Notifier
	hub      *hub
	logger   *zap.Logger
}

// registerRoutes sets up all routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthz", handleHealth)
	router.POST("/webhooks/buildkite", h.handleWebhook)
	router.GET("/api/builds", h.handleBuilds)
	router.GET("/api/events", h.handleEvents)
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// webhookPayload is the body Buildkite posts for build.* events.
type webhookPayload struct {
	Event    string              `json:"event"`
	Build    *buildkite.Build    `json:"build"`
	Pipeline *buildkite.Pipeline `json:"pipeline"`
}

func (h *handlers) handleWebhook(c *gin.Context) {
	got := c.GetHeader("X-Buildkite-Token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook token"})
		return
	}

	var p webhookPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !strings.HasPrefix(p.Event, "build.") {
		c.JSON(http.StatusOK, gin.H{"ignored": p.Event})
		return
	}
	if p.Build == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "build.* event without a build"})
		return
	}

	org, pipeline, err := buildRef(p)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := db.UpsertBuilds(h.db, org, pipeline, []buildkite.Build{*p.Build}); err != nil {
		h.logger.Error("cache webhook build", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cache write failed"})
		return
	}

	ev := notify.BuildEvent(org, pipeline, p.Build)
	h.hub.publish(streamEvent{Event: p.Event, Organization: org, Pipeline: pipeline, Build: p.Build})
	if p.Event == "build.finished" && h.notifier != nil {
		if err := h.notifier.Notify(c.Request.Context(), ev); err != nil {
			h.logger.Warn("notify webhook build", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, gin.H{"organization": org, "pipeline": pipeline, "number": p.Build.Number})
}

// buildRef finds the organization and pipeline slugs for a webhook build,
// from the pipeline API URL or failing that the build's web URL.
func buildRef(p webhookPayload) (org, pipeline string, err error) {
	if p.Pipeline != nil && p.Pipeline.URL != "" {
		if u, perr := url.Parse(p.Pipeline.URL); perr == nil {
			parts := strings.Split(strings.Trim(u.Path, "/"), "/")
			for i := 0; i+3 < len(parts); i++ {
				if parts[i] == "organizations" && parts[i+2] == "pipelines" {
					return parts[i+1], parts[i+3], nil
				}
			}
		}
	}
	if u, perr := url.Parse(p.Build.WebURL); perr == nil {
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) >= 2 && parts[0] != "" {
			return parts[0], parts[1], nil
		}
	}
	return "", "", errors.New("cannot determine organization and pipeline")
}

func (h *handlers) handleBuilds(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	builds, err := db.RecentBuilds(h.db, db.BuildFilter{
		Organization: c.Query("org"),
		Pipeline:     c.Query("pipeline"),
		Branch:       c.Query("branch"),
		Limit:        limit,
	})
	if err != nil {
		h.logger.Error("list cached builds", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cache read failed"})
		return
	}
	c.JSON(http.StatusOK, builds)
}
