package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"BurnerLaunch/internal/burner"

	"github.com/redis/go-redis/v9"
)

// unsweptPageSize 是按请求方过滤时每次读取的索引条数下限。
const unsweptPageSize = 100

// Config 描述 Redis 连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// commander 是存储用到的 Redis 命令子集，*redis.Client 满足该接口。
type commander interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HSetNX(ctx context.Context, key, field string, value any) *redis.BoolCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// BurnerStore 是 burner.Store 的 Redis 实现。
type BurnerStore struct {
	client commander
	prefix string
	now    func() time.Time
}

// NewBurnerStore 连接 Redis 并返回存储实例。
func NewBurnerStore(ctx context.Context, cfg Config) (*BurnerStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newBurnerStore(client, cfg.Prefix), nil
}

func newBurnerStore(client commander, prefix string) *BurnerStore {
	if prefix == "" {
		prefix = "launchpad:burner:"
	}
	return &BurnerStore{client: client, prefix: prefix, now: time.Now}
}

func (s *BurnerStore) key(address string) string { return s.prefix + address }

func (s *BurnerStore) unsweptKey() string { return s.prefix + "unswept" }

// RecordBurnerCreated 写入 burner 创建记录。
func (s *BurnerStore) RecordBurnerCreated(ctx context.Context, event burner.BurnerCreated) error {
	key := s.key(event.Address)
	created := event.CreatedAt.UnixMilli()
	if err := s.client.HSet(ctx, key,
		"address", event.Address,
		"workflow_id", event.WorkflowID,
		"requester", event.Requester,
		"created_at", created,
		"updated_at", s.now().UnixMilli(),
	).Err(); err != nil {
		return fmt.Errorf("写入 burner 记录失败: %w", err)
	}

	// 后台任务可能乱序执行，回收结果已落库时不再加入待回收索引。
	status, err := s.client.HGet(ctx, key, "sweep_status").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("读取回收状态失败: %w", err)
	}
	if burner.NeedsSweep(status) {
		return s.markUnswept(ctx, event.Address, created)
	}
	return nil
}

// RecordFundingConfirmed 写入注资信息。
func (s *BurnerStore) RecordFundingConfirmed(ctx context.Context, record burner.FundingRecord) error {
	address := record.WalletAddress.Hex()
	key := s.key(address)
	funded := ""
	if record.ConfirmedAt != nil {
		funded = strconv.FormatInt(record.ConfirmedAt.UnixMilli(), 10)
	}
	amount := ""
	if record.AmountRequested != nil {
		amount = record.AmountRequested.String()
	}
	if err := s.client.HSet(ctx, key,
		"address", address,
		"funding_tx_hash", record.FundingTxHash.Hex(),
		"funding_amount", amount,
		"funded_at", funded,
		"updated_at", s.now().UnixMilli(),
	).Err(); err != nil {
		return fmt.Errorf("写入注资记录失败: %w", err)
	}
	if err := s.client.HSetNX(ctx, key, "requester", record.Source.Hex()).Err(); err != nil {
		return fmt.Errorf("写入注资记录失败: %w", err)
	}
	if err := s.client.HSetNX(ctx, key, "created_at", record.SubmittedAt.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("写入注资记录失败: %w", err)
	}
	return nil
}

// RecordSweepStatus 写入回收结果并维护待回收索引。
func (s *BurnerStore) RecordSweepStatus(ctx context.Context, record burner.SweepRecord) error {
	address := record.WalletAddress.Hex()
	key := s.key(address)
	native, stable := record.SweepTxHashes()
	if err := s.client.HSet(ctx, key,
		"address", address,
		"sweep_status", string(record.Status),
		"sweep_detail", record.Detail,
		"native_sweep_tx_hash", native,
		"stable_sweep_tx_hash", stable,
		"updated_at", s.now().UnixMilli(),
	).Err(); err != nil {
		return fmt.Errorf("写入回收记录失败: %w", err)
	}
	if err := s.client.HSetNX(ctx, key, "created_at", record.FinishedAt.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("写入回收记录失败: %w", err)
	}

	if !burner.NeedsSweep(string(record.Status)) {
		if err := s.client.ZRem(ctx, s.unsweptKey(), address).Err(); err != nil {
			return fmt.Errorf("更新待回收索引失败: %w", err)
		}
		return nil
	}
	created, err := s.client.HGet(ctx, key, "created_at").Int64()
	if err != nil {
		return fmt.Errorf("读取创建时间失败: %w", err)
	}
	return s.markUnswept(ctx, address, created)
}

func (s *BurnerStore) markUnswept(ctx context.Context, address string, created int64) error {
	if err := s.client.ZAdd(ctx, s.unsweptKey(), redis.Z{Score: float64(created), Member: address}).Err(); err != nil {
		return fmt.Errorf("更新待回收索引失败: %w", err)
	}
	return nil
}

// Get 按地址查询记录。
func (s *BurnerStore) Get(ctx context.Context, address string) (*burner.BurnerRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key(address)).Result()
	if err != nil {
		return nil, fmt.Errorf("查询 burner 记录失败: %w", err)
	}
	if len(fields) == 0 {
		return nil, burner.ErrRecordNotFound
	}
	return decodeRecord(fields)
}

// ListUnswept 返回仍需回收的记录，按创建时间升序。
//
// 索引是全局的，按请求方过滤时分批向后翻页，直到凑满 limit 或索引读完。
func (s *BurnerStore) ListUnswept(ctx context.Context, requester string, limit int) ([]burner.BurnerRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	batch := int64(max(limit, unsweptPageSize))
	records := make([]burner.BurnerRecord, 0, limit)
	for start := int64(0); len(records) < limit; start += batch {
		addresses, err := s.client.ZRange(ctx, s.unsweptKey(), start, start+batch-1).Result()
		if err != nil {
			return nil, fmt.Errorf("查询未回收记录失败: %w", err)
		}
		for _, address := range addresses {
			record, err := s.Get(ctx, address)
			if errors.Is(err, burner.ErrRecordNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if requester != "" && !strings.EqualFold(record.Requester, requester) {
				continue
			}
			records = append(records, *record)
			if len(records) == limit {
				break
			}
		}
		if int64(len(addresses)) < batch {
			break
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Ping 检查 Redis 连通性。
func (s *BurnerStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 关闭 Redis 连接。
func (s *BurnerStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func decodeRecord(fields map[string]string) (*burner.BurnerRecord, error) {
	record := &burner.BurnerRecord{
		Address:       fields["address"],
		WorkflowID:    fields["workflow_id"],
		Requester:     fields["requester"],
		FundingTxHash: fields["funding_tx_hash"],
		FundingAmount: fields["funding_amount"],
		SweepStatus:   fields["sweep_status"],
		SweepDetail:   fields["sweep_detail"],
		NativeTxHash:  fields["native_sweep_tx_hash"],
		StableTxHash:  fields["stable_sweep_tx_hash"],
	}
	var err error
	if record.CreatedAt, err = parseMillis(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("解析 created_at 失败: %w", err)
	}
	if record.UpdatedAt, err = parseMillis(fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("解析 updated_at 失败: %w", err)
	}
	if raw := fields["funded_at"]; raw != "" {
		funded, err := parseMillis(raw)
		if err != nil {
			return nil, fmt.Errorf("解析 funded_at 失败: %w", err)
		}
		record.FundedAt = &funded
	}
	return record, nil
}

func parseMillis(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
