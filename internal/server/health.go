package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type producerHealthView struct {
	Reported        bool     `json:"reported"`
	Connected       bool     `json:"connected"`
	AvailableScopes []string `json:"available_scopes,omitempty"`
	Capacity        int      `json:"capacity"`
	Active          int      `json:"active"`
}

// Health reports database reachability and the last producer health snapshot.
// Only the database decides the status code.
func (s *Server) Health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}

	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			s.log.Warn("database ping failed", zap.Error(err))
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = "unreachable"
		}
	}

	if s.availability != nil {
		view := producerHealthView{}
		if h, ok := s.availability.Snapshot(); ok {
			view = producerHealthView{
				Reported:        true,
				Connected:       h.Connected,
				AvailableScopes: h.AvailableScopes,
				Capacity:        h.Capacity,
				Active:          h.Active,
			}
		}
		body["producer"] = view
	}

	c.JSON(status, body)
}
