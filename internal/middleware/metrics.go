package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/dive-affiliate-payouts/internal/service"
)

// Metrics records request count and latency per route template. Unmatched
// paths share a single label.
func Metrics(metrics *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if metrics == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
