package handler

import (
	"errors"
	"net/http"

	"github.com/drejom/rbiocverse/internal/model"
	"github.com/drejom/rbiocverse/internal/service"
	"github.com/drejom/rbiocverse/pkg/logger"
	"github.com/drejom/rbiocverse/pkg/resource"
	"github.com/drejom/rbiocverse/pkg/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins, production should use stricter checks
	},
}

// SessionHandler exposes session state and orchestration over HTTP.
type SessionHandler struct {
	svc *service.SessionService
	hub *Broadcaster
}

// NewSessionHandler creates session handler
func NewSessionHandler(svc *service.SessionService, hub *Broadcaster) *SessionHandler {
	return &SessionHandler{svc: svc, hub: hub}
}

// ListSessions lists every known session with derived state
// @Summary List sessions
// @Description Returns all known sessions across clusters, each decorated with countdown and run state
// @Tags Sessions
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /v1/sessions [get]
func (h *SessionHandler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions": h.svc.Snapshots(),
		"degraded": h.svc.Degraded(),
	})
}

// GetSession returns one session's decorated state
// @Summary Get session
// @Tags Sessions
// @Param cluster path string true "Cluster name"
// @Param kind path string true "Workload kind (rstudio|vscode|jupyter)"
// @Produce json
// @Success 200 {object} service.SessionView
// @Router /v1/sessions/{cluster}/{kind} [get]
func (h *SessionHandler) GetSession(c *gin.Context) {
	key, ok := h.sessionKey(c)
	if !ok {
		return
	}
	view, known := h.svc.GetSnapshot(key)
	if !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session " + key.String()})
		return
	}
	c.JSON(http.StatusOK, view)
}

// Launch starts a launch orchestration for a session
// @Summary Launch session
// @Description Submits the job and follows it until the session is connectable
// @Tags Sessions
// @Param cluster path string true "Cluster name"
// @Param kind path string true "Workload kind"
// @Accept json
// @Produce json
// @Success 202 {object} model.LaunchProgress
// @Router /v1/sessions/{cluster}/{kind}/launch [post]
func (h *SessionHandler) Launch(c *gin.Context) {
	key, ok := h.sessionKey(c)
	if !ok {
		return
	}

	var spec model.LaunchSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid launch body: " + err.Error()})
		return
	}
	// The path names the session, not the body.
	spec.Key = key

	run, err := h.svc.Launch(c.Request.Context(), &spec)
	if err != nil {
		h.launchError(c, err)
		return
	}

	// Forward stage transitions to subscribed UI clients for the run's
	// lifetime.
	go func() {
		for p := range run.Updates() {
			h.hub.Broadcast(MsgLaunchProgress, p)
		}
	}()

	c.JSON(http.StatusAccepted, model.LaunchProgress{
		RunID: run.ID,
		Key:   key,
		Stage: run.Stage(),
	})
}

// CancelLaunch abandons the session's in-flight launch run
// @Summary Cancel launch
// @Tags Sessions
// @Param cluster path string true "Cluster name"
// @Param kind path string true "Workload kind"
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /v1/sessions/{cluster}/{kind}/launch [delete]
func (h *SessionHandler) CancelLaunch(c *gin.Context) {
	key, ok := h.sessionKey(c)
	if !ok {
		return
	}
	if err := h.svc.CancelLaunch(key); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": key.String()})
}

// Connect resolves connection details for a running session
// @Summary Connect to session
// @Tags Sessions
// @Param cluster path string true "Cluster name"
// @Param kind path string true "Workload kind"
// @Produce json
// @Success 200 {object} model.ConnectInfo
// @Router /v1/sessions/{cluster}/{kind}/connect [post]
func (h *SessionHandler) Connect(c *gin.Context) {
	key, ok := h.sessionKey(c)
	if !ok {
		return
	}
	info, err := h.svc.Connect(c.Request.Context(), key)
	if err != nil {
		if scheduler.IsCredentialSetup(err) {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "credential_setup": true})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// Stop starts a stop orchestration for the session
// @Summary Stop session
// @Description Requests termination and follows it to confirmed, timed-out, or error. Pass wait=true to block for the resolution.
// @Tags Sessions
// @Param cluster path string true "Cluster name"
// @Param kind path string true "Workload kind"
// @Param wait query bool false "Block until the stop run resolves"
// @Produce json
// @Success 200 {object} model.StopResult
// @Success 202 {object} model.StopResult
// @Router /v1/sessions/{cluster}/{kind}/stop [post]
func (h *SessionHandler) Stop(c *gin.Context) {
	key, ok := h.sessionKey(c)
	if !ok {
		return
	}

	run, err := h.svc.Stop(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, service.ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	go func() {
		<-run.Done()
		h.hub.Broadcast(MsgStopResult, run.Result())
	}()

	if c.Query("wait") == "true" {
		res, err := run.Wait(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusAccepted, model.StopResult{RunID: run.ID, Key: key})
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}
	c.JSON(http.StatusAccepted, model.StopResult{RunID: run.ID, Key: key})
}

// ClusterHealth reports per-cluster health with recent history
// @Summary Cluster health
// @Tags Clusters
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /v1/clusters/health [get]
func (h *SessionHandler) ClusterHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"clusters": h.svc.Health(),
		"degraded": h.svc.Degraded(),
	})
}

// Subscribe upgrades to WebSocket and streams session changes
// @Summary Subscribe to session changes
// @Description WebSocket stream: an initial full snapshot, then per-session updates, launch progress, and stop results
// @Tags Sessions
// @Router /v1/subscribe [get]
func (h *SessionHandler) Subscribe(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to upgrade to websocket: %v", err)
		return
	}

	client := h.hub.AddClient(ws)
	defer h.hub.RemoveClient(client)

	// Drain reads so close frames and pings are processed; the client never
	// sends application messages.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *SessionHandler) sessionKey(c *gin.Context) (model.SessionKey, bool) {
	key := model.SessionKey{
		Cluster: c.Param("cluster"),
		Kind:    model.WorkloadKind(c.Param("kind")),
	}
	if key.Cluster == "" || !key.Kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown workload kind " + string(key.Kind)})
		return model.SessionKey{}, false
	}
	return key, true
}

func (h *SessionHandler) launchError(c *gin.Context, err error) {
	var verr *resource.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
		return
	}
	if scheduler.IsCredentialSetup(err) {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "credential_setup": true})
		return
	}
	if errors.Is(err, service.ErrRunInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
