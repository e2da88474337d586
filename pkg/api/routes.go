package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/NotCoffee418/gate_bridge/pkg/upstream"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const gateLogPrefix = "[GATE] "

var errNoResponse = errors.New("no response from gate controller")

type changePortRequest struct {
	Port string `json:"port" form:"port"`
}

func (s *Server) registerRoutes() {
	r := s.router

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ports", s.listPorts)
	r.POST("/ports", s.changePort)
	r.GET("/open", s.openGate)
	r.GET("/test-connect", s.openGate)
	r.GET("/loop", validateLoopEvent, s.loopEvent)
	r.GET("/links", s.links)
	r.GET("/upstream/ping", s.pingUpstream)

	if s.deps.Feed != nil {
		r.GET("/ws", gin.WrapF(s.deps.Feed))
	}
}

func (s *Server) health(c *gin.Context) {
	mode := ""
	if s.deps.Gateway != nil {
		mode = s.deps.Gateway.Mode()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"service": ServiceName,
		"mode":    mode,
	})
}

func (s *Server) listPorts(c *gin.Context) {
	if s.deps.Ports == nil {
		s.portsFailed(c, fmt.Errorf("port listing unavailable"))
		return
	}
	ports, err := s.deps.Ports()
	if err != nil {
		s.portsFailed(c, err)
		return
	}
	if ports == nil {
		ports = []string{}
	}
	s.log.Info().Strs("ports", ports).Msg(gateLogPrefix + "successfully listed ports")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"ports":   ports,
		"message": "Successfully listed ports",
		"error":   nil,
	})
}

func (s *Server) portsFailed(c *gin.Context, err error) {
	s.log.Error().Err(err).Msg(gateLogPrefix + "failed to list ports")
	c.JSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"ports":   []string{},
		"message": "Failed to list ports",
		"error":   err.Error(),
	})
}

func (s *Server) changePort(c *gin.Context) {
	var req changePortRequest
	if err := c.ShouldBind(&req); err != nil || strings.TrimSpace(req.Port) == "" {
		if err == nil {
			err = fmt.Errorf("port is required")
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "Failed to change port",
			"error":   err.Error(),
		})
		return
	}
	port := strings.TrimSpace(req.Port)

	if err := s.deps.Gateway.ChangeGatePort(c.Request.Context(), port); err != nil {
		s.log.Error().Err(err).Str("port", port).Msg(gateLogPrefix + "failed to change port")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Failed to change port to " + port,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Successfully changed port to " + port,
		"error":   nil,
	})
}

func (s *Server) openGate(c *gin.Context) {
	resp, err := s.deps.Gateway.OpenGate(c.Request.Context())
	if err == nil && len(resp.Bytes()) == 0 {
		err = errNoResponse
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Failed to open gate",
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Successfully opened gate",
		"error":   nil,
	})
}

func validateLoopEvent(c *gin.Context) {
	raw := c.Query("event")
	if raw == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   `Parameter "event" is required`,
		})
		return
	}
	ev, err := upstream.ParseLoopEvent(raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid event value. Must be one of: connect, disconnect",
		})
		return
	}
	c.Set("loop_event", ev)
	c.Next()
}

func (s *Server) loopEvent(c *gin.Context) {
	ev := c.MustGet("loop_event").(upstream.LoopEvent)
	if s.deps.Upstream == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "upstream not configured",
		})
		return
	}
	res, err := s.deps.Upstream.LoopEvent(c.Request.Context(), ev)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    res.Data,
	})
}

func (s *Server) links(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"links":   s.deps.Gateway.Links(),
	})
}

// May be fast or slow depending on the cached probe result.
func (s *Server) pingUpstream(c *gin.Context) {
	if s.deps.Prober == nil || s.deps.UpstreamHost == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "upstream host not configured",
		})
		return
	}
	r := s.deps.Prober.Probe(c.Request.Context(), s.deps.UpstreamHost)
	body := gin.H{
		"success":    r.Reachable,
		"host":       r.Host,
		"rtt_ms":     r.RTT.Milliseconds(),
		"checked_at": r.CheckedAt,
		"error":      nil,
	}
	status := http.StatusOK
	if r.Err != nil {
		body["error"] = r.Err.Error()
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, body)
}
