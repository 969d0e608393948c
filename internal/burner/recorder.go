package burner

import (
	"context"
	"errors"
	"time"
)

// ErrRecordNotFound 表示不存在对应的 burner 记录。
var ErrRecordNotFound = errors.New("burner record not found")

// BurnerCreated 是 burner 创建事件。
type BurnerCreated struct {
	WorkflowID string
	Address    string
	Requester  string
	CreatedAt  time.Time
}

// BurnerRecord 是持久化的 burner 生命周期记录，从不包含私钥。
type BurnerRecord struct {
	Address       string     `json:"address"`
	WorkflowID    string     `json:"workflowId"`
	Requester     string     `json:"requester"`
	CreatedAt     time.Time  `json:"createdAt"`
	FundingTxHash string     `json:"fundingTxHash,omitempty"`
	FundingAmount string     `json:"fundingAmount,omitempty"`
	FundedAt      *time.Time `json:"fundedAt,omitempty"`
	SweepStatus   string     `json:"sweepStatus,omitempty"`
	SweepDetail   string     `json:"sweepDetail,omitempty"`
	NativeTxHash  string     `json:"nativeSweepTxHash,omitempty"`
	StableTxHash  string     `json:"stableSweepTxHash,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// NeedsSweep 报告记录是否仍可能有余额留在 burner 中。
func (r BurnerRecord) NeedsSweep() bool {
	return NeedsSweep(r.SweepStatus)
}

// NeedsSweep 报告给定回收状态是否需要人工跟进。
func NeedsSweep(status string) bool {
	return status == "" || status == string(SweepFailed)
}

// Recorder 定义尽力而为的生命周期记录能力。
type Recorder interface {
	RecordBurnerCreated(ctx context.Context, event BurnerCreated) error
	RecordFundingConfirmed(ctx context.Context, record FundingRecord) error
	RecordSweepStatus(ctx context.Context, record SweepRecord) error
}

// RecordReader 定义记录查询能力。
type RecordReader interface {
	Get(ctx context.Context, address string) (*BurnerRecord, error)
	// ListUnswept 按创建时间升序返回需要回收的记录；requester 非空时只返回
	// 该请求方的记录。
	ListUnswept(ctx context.Context, requester string, limit int) ([]BurnerRecord, error)
}

// Store 组合写入与查询。
type Store interface {
	Recorder
	RecordReader
}

// SweepTxHashes 返回回收交易哈希的字符串形式，未发送时为空。
func (r SweepRecord) SweepTxHashes() (native, stable string) {
	if r.NativeTxHash != nil {
		native = r.NativeTxHash.Hex()
	}
	if r.StableTxHash != nil {
		stable = r.StableTxHash.Hex()
	}
	return native, stable
}
