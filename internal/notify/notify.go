package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "BurnerLaunch/internal/errors"
	"BurnerLaunch/pkg/logger"
)

// Kind 表示 burner 生命周期事件类型。
type Kind string

// 支持的事件类型
const (
	KindBurnerCreated     Kind = "burner.created"
	KindFundingConfirmed  Kind = "burner.funded"
	KindDispatchExhausted Kind = "dispatch.exhausted"
	KindFallbackDeployed  Kind = "fallback.deployed"
	KindLaunchCompleted   Kind = "launch.completed"
	KindLaunchFailed      Kind = "launch.failed"
	KindSweepFinished     Kind = "sweep.finished"
)

// Event 描述一次需要对外通知的生命周期事件。事件中只包含地址与哈希，
// 不会携带任何密钥材料。
type Event struct {
	Kind       Kind              `json:"kind"`
	WorkflowID string            `json:"workflow_id"`
	Burner     string            `json:"burner,omitempty"`
	Requester  string            `json:"requester,omitempty"`
	Code       xerrors.Code      `json:"code,omitempty"`
	Severity   xerrors.Severity  `json:"severity,omitempty"`
	Message    string            `json:"message,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Sink 负责将事件发送到某个渠道。
type Sink interface {
	Name() string
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个渠道。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// Fanout 实现将事件投递到多个渠道的逻辑。
type Fanout struct {
	sinks []Sink
}

// NewFanout 创建一个新的 Fanout，nil 渠道会被忽略。
func NewFanout(sinks ...Sink) *Fanout {
	set := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			set = append(set, s)
		}
	}
	return &Fanout{sinks: set}
}

// Notify 将事件广播至所有渠道，单个渠道失败不影响其他渠道。
func (f *Fanout) Notify(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", sink.Name(), err))
		}
	}
	if len(errs) > 0 {
		return xerrors.Wrap(xerrors.CodeQueueFailure, errors.Join(errs...), "生命周期事件通知失败")
	}
	return nil
}

// AuditSink 将事件写入审计日志。
type AuditSink struct {
	Logger *slog.Logger
}

// Name 返回渠道名称。
func (s *AuditSink) Name() string { return "audit" }

// Notify 写入一条审计日志。
func (s *AuditSink) Notify(_ context.Context, event Event) error {
	l := s.Logger
	if l == nil {
		l = logger.Audit()
	}
	attrs := []any{
		slog.String("kind", string(event.Kind)),
		slog.String("workflow_id", event.WorkflowID),
	}
	if event.Burner != "" {
		attrs = append(attrs, slog.String("burner", event.Burner))
	}
	if event.Requester != "" {
		attrs = append(attrs, slog.String("requester", event.Requester))
	}
	if event.Code != "" {
		attrs = append(attrs, slog.String("error_code", string(event.Code)))
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	msg := event.Message
	if msg == "" {
		msg = string(event.Kind)
	}
	switch event.Severity {
	case xerrors.SeverityCritical:
		l.Error(msg, attrs...)
	case xerrors.SeverityWarning:
		l.Warn(msg, attrs...)
	default:
		l.Info(msg, attrs...)
	}
	return nil
}
