package http

import (
	"context"
	"io"
	"net/http"

	"github.com/dkeye/Party/internal/adapters/signal"
	"github.com/dkeye/Party/internal/app"
	"github.com/dkeye/Party/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)

		// mirrored into the cookie session so the UI can tell returning visitors apart
		sess := sessions.Default(c)
		if sess.Get("client_token") != token {
			sess.Set("client_token", token)
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Next()
	}
}

// StatusSource is what the status endpoints read.
type StatusSource interface {
	Status() app.Status
	Subscribe() (<-chan app.Status, func())
}

func SetupRouter(ctx context.Context, cfg *config.Config, status StatusSource, ctl *signal.SignalWSController) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("PartySessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api/party")

	api.GET("/ws", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, status.Status())
	})

	api.GET("/events", func(c *gin.Context) {
		feed, cancel := status.Subscribe()
		defer cancel()

		c.Header("Cache-Control", "no-cache")
		c.Header("X-Accel-Buffering", "no")
		c.SSEvent("status", status.Status())
		c.Writer.Flush()

		c.Stream(func(w io.Writer) bool {
			select {
			case st, ok := <-feed:
				if !ok {
					return false
				}
				c.SSEvent("status", st)
				return true
			case <-c.Request.Context().Done():
				return false
			case <-ctx.Done():
				return false
			}
		})
	})

	return r
}
