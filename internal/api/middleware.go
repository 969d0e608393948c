package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"BurnerLaunch/internal/burner"
	xerrors "BurnerLaunch/internal/errors"
	"BurnerLaunch/internal/observability/metrics"
	"BurnerLaunch/internal/session"
	"BurnerLaunch/pkg/logger"
)

const requesterCtxKey = "requester"

// observe 记录请求指标。
func observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHTTPRequest(route, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

// requireSession 解析 Bearer 令牌并把请求方放入上下文，同时写入审计日志。
func requireSession(resolver session.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		audit := logger.Audit()
		if resolver == nil {
			abortWithError(c, xerrors.New(xerrors.CodeInitializationFailure, "会话解析器未初始化"))
			return
		}
		token, err := session.BearerToken(c.GetHeader("Authorization"))
		var requester *burner.Requester
		if err == nil {
			requester, err = resolver.Resolve(c.Request.Context(), token)
		}
		if err != nil {
			audit.Warn("access_denied",
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"error", errorMessage(err),
			)
			abortWithError(c, err)
			return
		}

		c.Set(requesterCtxKey, requester)
		c.Request = c.Request.WithContext(session.WithRequester(c.Request.Context(), requester))

		start := time.Now()
		c.Next()
		audit.Info("api_request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"requester", requester.Address.Hex(),
		)
	}
}

func requesterFrom(c *gin.Context) *burner.Requester {
	v, _ := c.Get(requesterCtxKey)
	requester, _ := v.(*burner.Requester)
	return requester
}

func statusOf(err error) int {
	if status := xerrors.StatusOf(err); status > 0 {
		return status
	}
	return http.StatusInternalServerError
}

func errorMessage(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return http.StatusText(http.StatusInternalServerError)
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusOf(err), gin.H{
		"error": errorMessage(err),
		"code":  string(xerrors.CodeOf(err)),
	})
}
