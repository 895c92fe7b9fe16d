package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// 服务端指标。
var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	ChatMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_persisted_total",
		Help: "Total number of chat messages persisted through the REST send path",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_rate_limited_total",
		Help: "Requests rejected by a rate limiter",
	}, []string{"limiter"})
)

// 客户端核心指标。
var (
	SessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_state_transitions_total",
		Help: "Session state transitions by target state",
	}, []string{"to"})
	SessionRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_refresh_total",
		Help: "Token refresh attempts by result",
	}, []string{"result"})
	PipelineRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_requests_total",
		Help: "Outgoing API requests by method and status",
	}, []string{"method", "status"})
	PipelineRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_retries_total",
		Help: "Requests re-issued after a token refresh",
	})
	PipelineDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_request_duration_seconds",
		Help:    "Outgoing API request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	ChatSocketConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_socket_connected",
		Help: "1 while the chat channel holds an open socket",
	})
	ChatMessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_received_total",
		Help: "Chat messages delivered by the realtime channel",
	})
	ChatMessagesDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_deduplicated_total",
		Help: "Chat messages ignored because the timeline already had them",
	})
)

func init() {
	prometheus.MustRegister(
		WsConnections, ChatMessagesTotal, HttpRequestsTotal, HttpRequestDuration, RateLimited,
		SessionTransitions, SessionRefreshes, PipelineRequests, PipelineRetries, PipelineDuration,
		ChatSocketConnected, ChatMessagesReceived, ChatMessagesDeduplicated,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
