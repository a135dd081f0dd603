package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/skyblockdynamic/nestworld/pkg/bus"
	"github.com/skyblockdynamic/nestworld/pkg/kernel"
	"github.com/skyblockdynamic/nestworld/pkg/log"
	"github.com/skyblockdynamic/nestworld/pkg/metrics"
)

// Server is the HTTP boundary. It only translates between requests and
// kernel operations; all rules live in the kernel.
type Server struct {
	kernel   *kernel.Kernel
	registry *bus.Registry
	adminKey string
	engine   *gin.Engine
	logger   zerolog.Logger
}

// NewServer wires the routes.
func NewServer(k *kernel.Kernel, registry *bus.Registry, adminKey string) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		kernel:   k,
		registry: registry,
		adminKey: adminKey,
		engine:   gin.New(),
		logger:   log.WithComponent("api"),
	}
	s.engine.Use(gin.Recovery(), s.countRequests)
	s.routes()
	return s
}

// Handler exposes the router for http.Server and tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/ws/:client_id", s.handleWebsocket)

	islands := s.engine.Group("/api/v1/islands")
	{
		islands.POST("", s.createIsland)
		islands.GET("/me", s.getIsland)
		islands.POST("/start", s.startIsland)
		islands.POST("/stop", s.stopIsland)
		islands.POST("/freeze", s.freezeIsland)
		islands.POST("/ready", s.markReady)
		islands.POST("/heartbeat", s.heartbeat)
		islands.DELETE("", s.deleteIsland)
	}

	teams := s.engine.Group("/api/v1/teams")
	{
		teams.POST("", s.createTeam)
		teams.GET("/:team_id", s.getTeam)
		teams.POST("/:team_id/join", s.joinTeam)
		teams.POST("/leave", s.leaveTeam)
	}

	admin := s.engine.Group("/api/v1/admin", s.requireAdminKey)
	{
		admin.POST("/updates/queue", s.queueUpdate)
		admin.POST("/updates/queue-all", s.queueUpdateAll)
		admin.DELETE("/islands/:island_id", s.adminDeleteIsland)
		admin.GET("/islands/:island_id/snapshots", s.listSnapshots)
		admin.POST("/islands/:island_id/snapshots/:snapshot/restore", s.restoreSnapshot)
		admin.DELETE("/islands/:island_id/snapshots/:snapshot", s.deleteSnapshot)
	}
}

func (s *Server) countRequests(c *gin.Context) {
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	metrics.APIRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
}

// requireAdminKey guards the admin surface with a shared key.
func (s *Server) requireAdminKey(c *gin.Context) {
	if s.adminKey == "" || c.GetHeader("X-Admin-Key") != s.adminKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid admin key"})
		return
	}
	c.Next()
}

// fail maps kernel errors onto HTTP codes.
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, kernel.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": err.Error()})
	case errors.Is(err, kernel.ErrAlreadyExists),
		errors.Is(err, kernel.ErrInvalidState),
		errors.Is(err, kernel.ErrRetryExceeded):
		c.JSON(http.StatusConflict, gin.H{"detail": err.Error()})
	case errors.Is(err, kernel.ErrCapacityExhausted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
	}
}

type playerRequest struct {
	PlayerUUID string `json:"player_uuid" binding:"required,uuid"`
	PlayerName string `json:"player_name"`
}

func (s *Server) createIsland(c *gin.Context) {
	var req playerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	island, queued, err := s.kernel.CreateIsland(c.Request.Context(), req.PlayerUUID, req.PlayerName)
	if err != nil {
		fail(c, err)
		return
	}
	if queued {
		c.JSON(http.StatusAccepted, gin.H{"queued": true})
		return
	}
	c.JSON(http.StatusAccepted, island)
}

func (s *Server) getIsland(c *gin.Context) {
	playerUUID := c.Query("player_uuid")
	if playerUUID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "player_uuid is required"})
		return
	}
	view, err := s.kernel.GetIslandView(c.Request.Context(), playerUUID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) startIsland(c *gin.Context) {
	var req playerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	island, queued, err := s.kernel.StartIsland(c.Request.Context(), req.PlayerUUID, req.PlayerName)
	if err != nil {
		fail(c, err)
		return
	}
	if queued {
		c.JSON(http.StatusAccepted, gin.H{"queued": true, "island": island})
		return
	}
	c.JSON(http.StatusAccepted, island)
}

func (s *Server) stopIsland(c *gin.Context) {
	var req playerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	island, err := s.kernel.StopIsland(c.Request.Context(), req.PlayerUUID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, island)
}

func (s *Server) freezeIsland(c *gin.Context) {
	var req playerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	island, err := s.kernel.FreezeIsland(c.Request.Context(), req.PlayerUUID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, island)
}

func (s *Server) markReady(c *gin.Context) {
	var req playerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	island, err := s.kernel.MarkReady(c.Request.Context(), req.PlayerUUID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, island)
}

func (s *Server) heartbeat(c *gin.Context) {
	var req playerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if err := s.kernel.RecordHeartbeat(c.Request.Context(), req.PlayerUUID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) deleteIsland(c *gin.Context) {
	playerUUID := c.Query("player_uuid")
	if playerUUID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "player_uuid is required"})
		return
	}
	island, err := s.kernel.DeleteIsland(c.Request.Context(), playerUUID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, island)
}

type createTeamRequest struct {
	Name      string `json:"name" binding:"required"`
	OwnerUUID string `json:"owner_uuid" binding:"required,uuid"`
}

func (s *Server) createTeam(c *gin.Context) {
	var req createTeamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	team, err := s.kernel.CreateTeam(c.Request.Context(), req.Name, req.OwnerUUID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, team)
}

func (s *Server) getTeam(c *gin.Context) {
	teamID, err := strconv.ParseUint(c.Param("team_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid team id"})
		return
	}
	view, err := s.kernel.GetTeamView(c.Request.Context(), uint(teamID))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) joinTeam(c *gin.Context) {
	teamID, err := strconv.ParseUint(c.Param("team_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid team id"})
		return
	}
	var req playerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if err := s.kernel.JoinTeam(c.Request.Context(), uint(teamID), req.PlayerUUID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "joined"})
}

func (s *Server) leaveTeam(c *gin.Context) {
	var req playerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if err := s.kernel.LeaveTeam(c.Request.Context(), req.PlayerUUID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

type queueUpdateRequest struct {
	IslandID uint `json:"island_id" binding:"required"`
}

func (s *Server) queueUpdate(c *gin.Context) {
	var req queueUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	entry, err := s.kernel.QueueUpdate(c.Request.Context(), req.IslandID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, entry)
}

func (s *Server) adminDeleteIsland(c *gin.Context) {
	islandID, err := strconv.ParseUint(c.Param("island_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid island id"})
		return
	}
	island, err := s.kernel.DeleteIslandByID(c.Request.Context(), uint(islandID))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, island)
}

func (s *Server) islandIDParam(c *gin.Context) (uint, bool) {
	islandID, err := strconv.ParseUint(c.Param("island_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid island id"})
		return 0, false
	}
	return uint(islandID), true
}

func (s *Server) listSnapshots(c *gin.Context) {
	islandID, ok := s.islandIDParam(c)
	if !ok {
		return
	}
	snapshots, err := s.kernel.ListIslandSnapshots(c.Request.Context(), islandID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snapshots})
}

func (s *Server) restoreSnapshot(c *gin.Context) {
	islandID, ok := s.islandIDParam(c)
	if !ok {
		return
	}
	if err := s.kernel.RestoreIslandSnapshot(c.Request.Context(), islandID, c.Param("snapshot")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "restored"})
}

func (s *Server) deleteSnapshot(c *gin.Context) {
	islandID, ok := s.islandIDParam(c)
	if !ok {
		return
	}
	if err := s.kernel.DeleteIslandSnapshot(c.Request.Context(), islandID, c.Param("snapshot")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) queueUpdateAll(c *gin.Context) {
	queued, err := s.kernel.QueueUpdateAll(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": queued})
}
