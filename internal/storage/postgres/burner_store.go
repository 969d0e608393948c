package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"BurnerLaunch/internal/burner"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config 描述连接池参数。
type Config struct {
	DSN             string
	MaxConns        int32
	ConnMaxLifetime time.Duration
}

const selectColumns = `address, workflow_id, requester, created_at, funding_tx_hash,
	COALESCE(funding_amount::text, ''), funded_at, sweep_status, sweep_detail,
	native_sweep_tx_hash, stable_sweep_tx_hash, updated_at`

// BurnerStore 是 burner.Store 的 PostgreSQL 实现。
type BurnerStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Open 创建连接池、检查连通性并执行迁移。
func Open(ctx context.Context, cfg Config) (*BurnerStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("PostgreSQL DSN 不能为空")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("解析 PostgreSQL DSN 失败: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("创建 PostgreSQL 连接池失败: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("无法连接到 PostgreSQL: %w", err)
	}
	if err := Apply(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewBurnerStore(pool), nil
}

// NewBurnerStore 基于已有连接池创建存储。
func NewBurnerStore(pool *pgxpool.Pool) *BurnerStore {
	return &BurnerStore{pool: pool, now: time.Now}
}

// RecordBurnerCreated 写入 burner 创建记录。
func (s *BurnerStore) RecordBurnerCreated(ctx context.Context, event burner.BurnerCreated) error {
	const query = `
INSERT INTO burners (address, workflow_id, requester, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (address) DO UPDATE SET
	workflow_id = EXCLUDED.workflow_id,
	requester = EXCLUDED.requester,
	created_at = EXCLUDED.created_at,
	updated_at = EXCLUDED.updated_at`

	if _, err := s.pool.Exec(ctx, query,
		event.Address, event.WorkflowID, event.Requester, event.CreatedAt.UTC(), s.now().UTC(),
	); err != nil {
		return fmt.Errorf("写入 burner 记录失败: %w", err)
	}
	return nil
}

// RecordFundingConfirmed 写入注资信息。
func (s *BurnerStore) RecordFundingConfirmed(ctx context.Context, record burner.FundingRecord) error {
	const query = `
INSERT INTO burners (address, workflow_id, requester, created_at, funding_tx_hash, funding_amount, funded_at, updated_at)
VALUES ($1, '', $2, $3, $4, NULLIF($5, '')::numeric, $6, $7)
ON CONFLICT (address) DO UPDATE SET
	funding_tx_hash = EXCLUDED.funding_tx_hash,
	funding_amount = EXCLUDED.funding_amount,
	funded_at = EXCLUDED.funded_at,
	updated_at = EXCLUDED.updated_at`

	amount := ""
	if record.AmountRequested != nil {
		amount = record.AmountRequested.String()
	}
	if _, err := s.pool.Exec(ctx, query,
		record.WalletAddress.Hex(),
		record.Source.Hex(),
		record.SubmittedAt.UTC(),
		record.FundingTxHash.Hex(),
		amount,
		record.ConfirmedAt,
		s.now().UTC(),
	); err != nil {
		return fmt.Errorf("写入注资记录失败: %w", err)
	}
	return nil
}

// RecordSweepStatus 写入回收结果。
func (s *BurnerStore) RecordSweepStatus(ctx context.Context, record burner.SweepRecord) error {
	const query = `
INSERT INTO burners (address, workflow_id, requester, created_at, sweep_status, sweep_detail,
	native_sweep_tx_hash, stable_sweep_tx_hash, updated_at)
VALUES ($1, '', $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (address) DO UPDATE SET
	sweep_status = EXCLUDED.sweep_status,
	sweep_detail = EXCLUDED.sweep_detail,
	native_sweep_tx_hash = EXCLUDED.native_sweep_tx_hash,
	stable_sweep_tx_hash = EXCLUDED.stable_sweep_tx_hash,
	updated_at = EXCLUDED.updated_at`

	native, stable := record.SweepTxHashes()
	if _, err := s.pool.Exec(ctx, query,
		record.WalletAddress.Hex(),
		record.Destination.Hex(),
		record.FinishedAt.UTC(),
		string(record.Status),
		record.Detail,
		native,
		stable,
		s.now().UTC(),
	); err != nil {
		return fmt.Errorf("写入回收记录失败: %w", err)
	}
	return nil
}

// Get 按地址查询记录。
func (s *BurnerStore) Get(ctx context.Context, address string) (*burner.BurnerRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM burners WHERE address = $1`, address)
	record, err := scanBurner(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, burner.ErrRecordNotFound
		}
		return nil, fmt.Errorf("查询 burner 记录失败: %w", err)
	}
	return record, nil
}

// ListUnswept 返回仍需回收的记录，按创建时间升序。
func (s *BurnerStore) ListUnswept(ctx context.Context, requester string, limit int) ([]burner.BurnerRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM burners
WHERE sweep_status IN ('', 'failed') AND ($1::text = '' OR requester = $1)
ORDER BY created_at ASC LIMIT $2`, requester, limit)
	if err != nil {
		return nil, fmt.Errorf("查询未回收记录失败: %w", err)
	}
	defer rows.Close()

	var records []burner.BurnerRecord
	for rows.Next() {
		record, err := scanBurner(rows)
		if err != nil {
			return nil, fmt.Errorf("解析 burner 记录失败: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 burner 记录失败: %w", err)
	}
	return records, nil
}

// Ping 检查数据库连通性。
func (s *BurnerStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close 关闭连接池。
func (s *BurnerStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func scanBurner(row pgx.Row) (*burner.BurnerRecord, error) {
	var (
		record   burner.BurnerRecord
		fundedAt *time.Time
	)
	if err := row.Scan(
		&record.Address,
		&record.WorkflowID,
		&record.Requester,
		&record.CreatedAt,
		&record.FundingTxHash,
		&record.FundingAmount,
		&fundedAt,
		&record.SweepStatus,
		&record.SweepDetail,
		&record.NativeTxHash,
		&record.StableTxHash,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	if fundedAt != nil {
		t := fundedAt.UTC()
		record.FundedAt = &t
	}
	return &record, nil
}
