// Package middleware 提供 HTTP 中间件
package middleware

import (
	"strconv"
	"time"

	"kb-assistant-api/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// Metrics Prometheus 指标采集中间件
// 标签使用路由模板（c.FullPath）而非原始路径，避免基数爆炸
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}

		if size := float64(c.Request.ContentLength); size > 0 {
			metrics.HTTPRequestSize.WithLabelValues(method, path).Observe(size)
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		metrics.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		if size := float64(c.Writer.Size()); size > 0 {
			metrics.HTTPResponseSize.WithLabelValues(method, path).Observe(size)
		}
	}
}
