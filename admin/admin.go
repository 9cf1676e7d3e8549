// Package admin exposes the operator-facing HTTP API: health, aggregate
// stats, ML model introspection, and the IP blocklist. It is mounted at
// the same reserved "/api/" prefix the proxy pipeline 404s on for the
// proxied surface, and is served on its own listener so it is never
// reachable through the proxy itself.
package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sentinel-proxy/sentinel/proxy"
)

// Dependencies is everything the admin API needs from a running pipeline.
type Dependencies struct {
	Pipeline  *proxy.Pipeline
	StartedAt time.Time
	Version   string
}

// New builds the admin gin.Engine. It runs gin in release mode
// regardless of GIN_MODE so the proxied surface's request volume never
// leaks gin's default request logger into the admin API's own log.
func New(deps Dependencies, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.GET("/health", healthHandler(deps))
	api.GET("/stats", statsHandler(deps))
	api.GET("/ml/info", mlInfoHandler(deps))
	api.GET("/blocklist", listBlocklistHandler(deps, log))
	api.POST("/blocklist", addBlocklistHandler(deps, log))
	api.DELETE("/blocklist/:ip", removeBlocklistHandler(deps, log))

	return r
}

func healthHandler(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"uptime_sec": int(time.Since(deps.StartedAt).Seconds()),
			"version":    deps.Version,
		})
	}
}

// statsHandler summarizes the pipeline's traffic ring into the dashboard's
// aggregate counters, walking the ring once, and returns those counters
// together with the buffered recent events themselves.
func statsHandler(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		events := deps.Pipeline.Traffic().Recent()

		byAction := make(map[string]int, 8)
		byAttackType := make(map[string]int, 8)
		var scoreSum float64
		for _, ev := range events {
			byAction[ev.Action]++
			if ev.AttackType != "" {
				byAttackType[ev.AttackType]++
			}
			scoreSum += ev.Score
		}

		avgScore := 0.0
		if len(events) > 0 {
			avgScore = scoreSum / float64(len(events))
		}

		c.JSON(http.StatusOK, gin.H{
			"window_size":    len(events),
			"by_action":      byAction,
			"by_attack_type": byAttackType,
			"average_threat": avgScore,
			"recent_events":  events,
		})
	}
}

func mlInfoHandler(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := deps.Pipeline.Engine().ML.Info()
		c.JSON(http.StatusOK, info)
	}
}

func listBlocklistHandler(deps Dependencies, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ips, err := deps.Pipeline.Blocker().BlockedIPs(c.Request.Context())
		if err != nil {
			log.Warn("admin: failed to list blocked ips", zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"blocked_ips": []string{}})
			return
		}
		c.JSON(http.StatusOK, gin.H{"blocked_ips": ips})
	}
}

type blockRequest struct {
	IP         string `json:"ip" binding:"required"`
	Reason     string `json:"reason"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func addBlocklistHandler(deps Dependencies, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req blockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		reason := req.Reason
		if reason == "" {
			reason = "manual"
		}
		ttl := time.Duration(req.TTLSeconds) * time.Second
		if err := deps.Pipeline.Blocker().Block(c.Request.Context(), req.IP, reason, ttl); err != nil {
			log.Warn("admin: block request failed", zap.String("ip", req.IP), zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{"blocked": req.IP})
	}
}

func removeBlocklistHandler(deps Dependencies, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.Param("ip")
		if err := deps.Pipeline.Blocker().Unblock(c.Request.Context(), ip); err != nil {
			log.Warn("admin: unblock request failed", zap.String("ip", ip), zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{"unblocked": ip})
	}
}
