package router

import (
	"github.com/drejom/rbiocverse/app/handler"
	"github.com/drejom/rbiocverse/app/middleware"

	"github.com/gin-gonic/gin"
)

// Router Router
type Router struct {
	sessionHandler *handler.SessionHandler
}

// NewRouter creates a new Router
func NewRouter(sessionHandler *handler.SessionHandler) *Router {
	return &Router{sessionHandler: sessionHandler}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/v1")
	{
		v1.GET("/sessions", r.sessionHandler.ListSessions)
		v1.GET("/clusters/health", r.sessionHandler.ClusterHealth)
		v1.GET("/subscribe", r.sessionHandler.Subscribe)

		// Per-session routes (cluster and kind required)
		session := v1.Group("/sessions/:cluster/:kind")
		{
			session.GET("", r.sessionHandler.GetSession)
			session.POST("/launch", r.sessionHandler.Launch)
			session.DELETE("/launch", r.sessionHandler.CancelLaunch)
			session.POST("/connect", r.sessionHandler.Connect)
			session.POST("/stop", r.sessionHandler.Stop)
		}
	}
}
