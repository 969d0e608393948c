// Package memory provides an in-process burner record store for development
// and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"BurnerLaunch/internal/burner"
)

// BurnerStore 以内存方式保存 burner 记录，进程退出后数据丢失。
type BurnerStore struct {
	mu      sync.RWMutex
	records map[string]*burner.BurnerRecord
	now     func() time.Time
}

// NewBurnerStore 创建 BurnerStore。
func NewBurnerStore() *BurnerStore {
	return &BurnerStore{records: make(map[string]*burner.BurnerRecord), now: time.Now}
}

// 调用方需持有写锁。
func (m *BurnerStore) upsert(address string) *burner.BurnerRecord {
	record, ok := m.records[address]
	if !ok {
		record = &burner.BurnerRecord{Address: address}
		m.records[address] = record
	}
	record.UpdatedAt = m.now().UTC()
	return record
}

// RecordBurnerCreated 实现 burner.Recorder。
func (m *BurnerStore) RecordBurnerCreated(_ context.Context, event burner.BurnerCreated) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record := m.upsert(event.Address)
	record.WorkflowID = event.WorkflowID
	record.Requester = event.Requester
	record.CreatedAt = event.CreatedAt.UTC()
	return nil
}

// RecordFundingConfirmed 实现 burner.Recorder。
func (m *BurnerStore) RecordFundingConfirmed(_ context.Context, funding burner.FundingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record := m.upsert(funding.WalletAddress.Hex())
	if record.Requester == "" {
		record.Requester = funding.Source.Hex()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = funding.SubmittedAt.UTC()
	}
	record.FundingTxHash = funding.FundingTxHash.Hex()
	if funding.AmountRequested != nil {
		record.FundingAmount = funding.AmountRequested.String()
	}
	record.FundedAt = nil
	if funding.ConfirmedAt != nil {
		at := funding.ConfirmedAt.UTC()
		record.FundedAt = &at
	}
	return nil
}

// RecordSweepStatus 实现 burner.Recorder。
func (m *BurnerStore) RecordSweepStatus(_ context.Context, sweep burner.SweepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record := m.upsert(sweep.WalletAddress.Hex())
	if record.CreatedAt.IsZero() {
		record.CreatedAt = sweep.FinishedAt.UTC()
	}
	record.SweepStatus = string(sweep.Status)
	record.SweepDetail = sweep.Detail
	record.NativeTxHash, record.StableTxHash = sweep.SweepTxHashes()
	return nil
}

// Get 实现 burner.RecordReader。
func (m *BurnerStore) Get(_ context.Context, address string) (*burner.BurnerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[address]
	if !ok {
		return nil, burner.ErrRecordNotFound
	}
	return cloneRecord(record), nil
}

// ListUnswept 实现 burner.RecordReader。
func (m *BurnerStore) ListUnswept(_ context.Context, requester string, limit int) ([]burner.BurnerRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	out := make([]burner.BurnerRecord, 0)
	for _, record := range m.records {
		if record.NeedsSweep() && (requester == "" || strings.EqualFold(record.Requester, requester)) {
			out = append(out, *cloneRecord(record))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Address < out[j].Address
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping 始终成功。
func (m *BurnerStore) Ping(context.Context) error { return nil }

// Close 无需释放资源。
func (m *BurnerStore) Close() error { return nil }

func cloneRecord(record *burner.BurnerRecord) *burner.BurnerRecord {
	clone := *record
	if record.FundedAt != nil {
		at := *record.FundedAt
		clone.FundedAt = &at
	}
	return &clone
}
