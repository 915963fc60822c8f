package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/scenelink/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// AdminSource supplies the read-only views served by the admin endpoint.
type AdminSource interface {
	Participant() string
	Connected() bool
	Connections() any
	Scenes() any
	Statistics() any
}

// Admin is the local HTTP surface for health, metrics and state dumps.
type Admin struct {
	addr    string
	source  AdminSource
	auth    auth.Validator
	router  *gin.Engine
	started time.Time

	srv *http.Server
	ln  net.Listener
}

// NewAdmin builds the admin router. A nil validator leaves every route open;
// otherwise all routes but /health need a bearer token.
func NewAdmin(addr string, source AdminSource, validator auth.Validator) *Admin {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(AdminObserver(log.Logger, source.Participant()))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{addr: addr, source: source, auth: validator, router: r, started: time.Now()}
	a.registerRoutes()
	return a
}

func (a *Admin) Handler() http.Handler {
	return a.router
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"uptime":      time.Since(a.started).String(),
			"participant": a.source.Participant(),
			"connected":   a.source.Connected(),
		})
	})

	guarded := a.router.Group("/", RequireToken(a.auth))

	guarded.GET("/metrics", gin.WrapH(promhttp.Handler()))

	guarded.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": a.source.Connections()})
	})

	guarded.GET("/scenes", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.source.Scenes())
	})

	guarded.GET("/statistics", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.source.Statistics())
	})
}

// Start binds the listener and serves in the background.
func (a *Admin) Start() error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	a.ln = ln
	a.srv = &http.Server{Handler: a.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", ln.Addr().String()).Msg("admin server stopped")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("admin server listening")
	return nil
}

// Addr is the bound address once started.
func (a *Admin) Addr() string {
	if a.ln == nil {
		return a.addr
	}
	return a.ln.Addr().String()
}

func (a *Admin) Shutdown(ctx context.Context) error {
	if a.srv == nil {
		return nil
	}
	return a.srv.Shutdown(ctx)
}

// RequireToken rejects requests whose Authorization header fails v.
func RequireToken(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := auth.Check(v, c.GetHeader("Authorization")); err != nil {
			log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("admin request rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
