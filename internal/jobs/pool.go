package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	xerrors "BurnerLaunch/internal/errors"
	"BurnerLaunch/internal/observability/metrics"
	"BurnerLaunch/pkg/logger"
)

// CodePoolClosed 表示后台任务池已关闭或已满。
const CodePoolClosed xerrors.Code = "JOB_POOL_UNAVAILABLE"

func init() {
	xerrors.Register(CodePoolClosed, xerrors.Attributes{
		Message:    "后台任务池不可用",
		Severity:   xerrors.SeverityWarning,
		Class:      xerrors.ClassBestEffort,
		Retryable:  true,
		HTTPStatus: 503,
	})
}

// Func 是一个后台任务。
type Func func(ctx context.Context) error

type job struct {
	name string
	fn   Func
}

// Failure 描述一次失败的后台任务。
type Failure struct {
	Job string
	Err error
}

// Pool 以固定数量的 worker 执行尽力而为的后台任务，例如回收、记账与通知。
type Pool struct {
	queue  chan job
	errs   chan Failure
	group  *errgroup.Group
	ctx    context.Context
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Option 定义可选配置。
type Option func(*Pool)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// NewPool 启动 workers 个 worker，队列容量为 queueSize。
func NewPool(ctx context.Context, workers, queueSize int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	// 任务与请求生命周期解耦，只继承 ctx 中的值。
	group, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	p := &Pool{
		queue: make(chan job, queueSize),
		errs:  make(chan Failure, queueSize+workers),
		group: group,
		ctx:   gctx,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Audit()
	}
	for i := 0; i < workers; i++ {
		group.Go(p.work)
	}
	return p
}

// Submit 投递一个后台任务。队列已满或已关闭时返回错误，不会阻塞调用方。
func (p *Pool) Submit(name string, fn Func) error {
	if fn == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return xerrors.New(CodePoolClosed, fmt.Sprintf("任务池已关闭，丢弃任务 %s", name))
	}
	select {
	case p.queue <- job{name: name, fn: fn}:
		return nil
	default:
		metrics.ObserveJob(name, errPoolFull)
		return xerrors.New(CodePoolClosed, fmt.Sprintf("任务池已满，丢弃任务 %s", name))
	}
}

// Errors 返回任务失败通道。通道满时新的失败只写审计日志；Close 后通道关闭。
func (p *Pool) Errors() <-chan Failure {
	return p.errs
}

// Close 停止接收新任务并等待已入队的任务执行完毕。
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	_ = p.group.Wait()
	close(p.errs)
}

func (p *Pool) work() error {
	for j := range p.queue {
		p.run(j)
	}
	return nil
}

func (p *Pool) run(j job) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		metrics.ObserveJob(j.name, err)
		if err != nil {
			p.logger.Warn("后台任务失败", slog.String("job", j.name), slog.Any("error", err))
			select {
			case p.errs <- Failure{Job: j.name, Err: err}:
			default:
			}
		}
	}()
	err = j.fn(p.ctx)
}

var errPoolFull = fmt.Errorf("queue full")
