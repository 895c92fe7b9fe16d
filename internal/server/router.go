package server

import (
	"net/http"
	"time"

	"coolvibeclub/internal/auth"
	"coolvibeclub/internal/config"
	"coolvibeclub/internal/metrics"
	"coolvibeclub/internal/mw"
	"coolvibeclub/internal/service"
	"coolvibeclub/internal/store"
	"coolvibeclub/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, st store.Store, hub *ws.Hub) *gin.Engine {
	userSvc := service.NewUserService(st, cfg)
	roomSvc := service.NewRoomService(st)
	msgSvc := service.NewMessageService(st, roomSvc, hub)
	h := NewHandler(userSvc, roomSvc, msgSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins...))
	// 控制单个 IP+路由的速率。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/v1")
	api.Use(mw.APIKey(cfg.APIKey))

	api.POST("/users/join", h.Join)
	api.POST("/users/validation/email", h.ValidateEmail)
	api.POST("/users/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg.JWTSecret, st))

	authed.GET("/users/me/profile", h.MyProfile)
	authed.POST("/chats", h.CreateRoom)
	authed.GET("/chats", h.ListRooms)
	authed.GET("/chats/:room_id", h.ListMessages)
	// 发送接口再按用户限速，防止单个账号刷屏。
	sendLimit := mw.NewLimiter("send", rate.Every(time.Second/5), 10, 5*time.Minute)
	authed.POST("/chats/:room_id", sendLimit.Middleware(mw.ByUser), h.SendMessage)

	r.GET("/ws/:namespace", ws.Serve(hub, cfg.JWTSecret, st, roomSvc))
	return r
}
