package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"BurnerLaunch/internal/burner"
	"BurnerLaunch/internal/observability/metrics"
	"BurnerLaunch/internal/session"
)

// Launcher 是发射流程的入口。
type Launcher interface {
	Launch(ctx context.Context, requester burner.Requester, req burner.LaunchRequest) (*burner.Result, error)
}

// Pinger 用于就绪探针。
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc 将函数适配为 Pinger。
type PingFunc func(ctx context.Context) error

// Ping 实现 Pinger。
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Options 描述路由依赖。Records 与 Checks 可为空。
type Options struct {
	Launcher Launcher
	Sessions session.Resolver
	Records  burner.RecordReader
	Checks   map[string]Pinger
}

// NewRouter 注册全部路由。
// 公开：/health、/ready、/metrics；需要会话：/api/v1/*。
func NewRouter(opts Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), observe())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", readiness(opts.Checks))
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/api/v1")
	v1.Use(requireSession(opts.Sessions))

	h := &handlers{launcher: opts.Launcher, records: opts.Records}
	v1.POST("/launches", h.launch)
	v1.GET("/burners", h.listBurners)
	v1.GET("/burners/:address", h.getBurner)
	return r
}

func readiness(checks map[string]Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		failed := gin.H{}
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check.Ping(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "errors": failed})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// Server 负责 HTTP 服务的启动与优雅关闭。
type Server struct {
	addr            string
	handler         http.Handler
	shutdownTimeout time.Duration
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, handler http.Handler, shutdownTimeout time.Duration) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	return &Server{addr: addr, handler: handler, shutdownTimeout: shutdownTimeout}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。上下文取消时等待
// 进行中的请求完成。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Join(ctx.Err(), fmt.Errorf("HTTP 服务未在 %s 内关闭: %w", s.shutdownTimeout, err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
