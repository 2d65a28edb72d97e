package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zentalk-storage/chunkengine/pkg/chunkengine"
)

type healthResponse struct {
	Success       bool   `json:"success"`
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Success:       true,
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

type statsResponse struct {
	Success bool                       `json:"success"`
	Stats   chunkengine.GetStatsResult `json:"stats"`
}

func (s *Server) handleNodeStats(c *gin.Context) {
	stats, err := s.service.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, statsResponse{Success: true, Stats: stats})
}

type integrityResponse struct {
	Success bool `json:"success"`
	Healthy bool `json:"healthy"`
}

func (s *Server) handleIntegrity(c *gin.Context) {
	healthy, err := s.index.VerifyIntegrity(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, integrityResponse{Success: true, Healthy: healthy})
}

type peersResponse struct {
	Success bool                     `json:"success"`
	Peers   []*chunkengine.PeerRecord `json:"peers"`
}

func (s *Server) handlePeers(c *gin.Context) {
	peers, err := s.index.OnlinePeers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, peersResponse{Success: true, Peers: peers})
}

func (s *Server) handlePeer(c *gin.Context) {
	peerID := c.Param("peerID")
	peer, err := s.index.GetPeer(c.Request.Context(), peerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if peer == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "peer not known"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "peer": peer})
}

type replicationPendingResponse struct {
	Success bool                            `json:"success"`
	Tasks   []*chunkengine.ReplicationTask `json:"tasks"`
}

func (s *Server) handlePendingReplications(c *gin.Context) {
	tasks, err := s.index.PendingReplications(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, replicationPendingResponse{Success: true, Tasks: tasks})
}

type atRiskResponse struct {
	Success bool                 `json:"success"`
	Shards  []*chunkengine.Shard `json:"shards"`
}

func (s *Server) handleAtRiskShards(c *gin.Context) {
	shards, err := s.index.ChunksAtRisk(c.Request.Context(), s.engineCfg.MinReliabilityScore)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, atRiskResponse{Success: true, Shards: shards})
}
