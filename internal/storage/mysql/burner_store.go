package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"BurnerLaunch/internal/burner"
)

const burnerColumns = `address, workflow_id, requester, created_at, funding_tx_hash, funding_amount,
        funded_at, sweep_status, sweep_detail, native_sweep_tx_hash, stable_sweep_tx_hash, updated_at`

// BurnerStore 使用 MySQL 保存 burner 生命周期记录。
type BurnerStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewBurnerStore 创建连接池并执行迁移。
func NewBurnerStore(ctx context.Context, cfg Config) (*BurnerStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := newBurnerStore(db)
	if err := store.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func newBurnerStore(db *sql.DB) *BurnerStore {
	return &BurnerStore{db: db, now: time.Now}
}

// RecordBurnerCreated 写入 burner 创建记录。
func (s *BurnerStore) RecordBurnerCreated(ctx context.Context, event burner.BurnerCreated) error {
	const stmt = `INSERT INTO burners (address, workflow_id, requester, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE workflow_id = VALUES(workflow_id), requester = VALUES(requester),
        created_at = VALUES(created_at), updated_at = VALUES(updated_at)`

	if _, err := s.db.ExecContext(ctx, stmt,
		event.Address,
		event.WorkflowID,
		event.Requester,
		event.CreatedAt.UnixMilli(),
		s.now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("写入 burner 记录失败: %w", err)
	}
	return nil
}

// RecordFundingConfirmed 写入注资确认信息。后台任务可能乱序执行，因此使用 upsert。
func (s *BurnerStore) RecordFundingConfirmed(ctx context.Context, record burner.FundingRecord) error {
	const stmt = `INSERT INTO burners (address, workflow_id, requester, created_at, funding_tx_hash, funding_amount, funded_at, updated_at)
        VALUES (?, '', ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE funding_tx_hash = VALUES(funding_tx_hash), funding_amount = VALUES(funding_amount),
        funded_at = VALUES(funded_at), updated_at = VALUES(updated_at)`

	now := s.now()
	var fundedAt sql.NullInt64
	if record.ConfirmedAt != nil {
		fundedAt = sql.NullInt64{Int64: record.ConfirmedAt.UnixMilli(), Valid: true}
	}
	amount := ""
	if record.AmountRequested != nil {
		amount = record.AmountRequested.String()
	}
	if _, err := s.db.ExecContext(ctx, stmt,
		record.WalletAddress.Hex(),
		record.Source.Hex(),
		record.SubmittedAt.UnixMilli(),
		record.FundingTxHash.Hex(),
		amount,
		fundedAt,
		now.UnixMilli(),
	); err != nil {
		return fmt.Errorf("写入注资记录失败: %w", err)
	}
	return nil
}

// RecordSweepStatus 写入回收结果。
func (s *BurnerStore) RecordSweepStatus(ctx context.Context, record burner.SweepRecord) error {
	const stmt = `INSERT INTO burners (address, workflow_id, requester, created_at, sweep_status, sweep_detail,
        native_sweep_tx_hash, stable_sweep_tx_hash, updated_at)
        VALUES (?, '', ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE sweep_status = VALUES(sweep_status), sweep_detail = VALUES(sweep_detail),
        native_sweep_tx_hash = VALUES(native_sweep_tx_hash), stable_sweep_tx_hash = VALUES(stable_sweep_tx_hash),
        updated_at = VALUES(updated_at)`

	native, stable := record.SweepTxHashes()
	if _, err := s.db.ExecContext(ctx, stmt,
		record.WalletAddress.Hex(),
		record.Destination.Hex(),
		record.FinishedAt.UnixMilli(),
		string(record.Status),
		record.Detail,
		native,
		stable,
		s.now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("写入回收记录失败: %w", err)
	}
	return nil
}

// Get 按地址查询记录。
func (s *BurnerStore) Get(ctx context.Context, address string) (*burner.BurnerRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+burnerColumns+` FROM burners WHERE address = ?`, address)
	record, err := scanBurner(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, burner.ErrRecordNotFound
		}
		return nil, fmt.Errorf("查询 burner 记录失败: %w", err)
	}
	return record, nil
}

// ListUnswept 返回仍可能留有余额的记录，按创建时间升序。
func (s *BurnerStore) ListUnswept(ctx context.Context, requester string, limit int) ([]burner.BurnerRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + burnerColumns + ` FROM burners
        WHERE sweep_status IN ('', 'failed') ORDER BY created_at ASC LIMIT ?`
	args := []any{limit}
	if requester != "" {
		query = `SELECT ` + burnerColumns + ` FROM burners
        WHERE requester = ? AND sweep_status IN ('', 'failed') ORDER BY created_at ASC LIMIT ?`
		args = []any{requester, limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
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
	return s.db.PingContext(ctx)
}

// Close 关闭底层数据库连接。
func (s *BurnerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBurner(row scanner) (*burner.BurnerRecord, error) {
	var (
		record    burner.BurnerRecord
		createdAt int64
		fundedAt  sql.NullInt64
		detail    sql.NullString
		updatedAt int64
	)
	if err := row.Scan(
		&record.Address,
		&record.WorkflowID,
		&record.Requester,
		&createdAt,
		&record.FundingTxHash,
		&record.FundingAmount,
		&fundedAt,
		&record.SweepStatus,
		&detail,
		&record.NativeTxHash,
		&record.StableTxHash,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	record.CreatedAt = time.UnixMilli(createdAt).UTC()
	record.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if fundedAt.Valid {
		t := time.UnixMilli(fundedAt.Int64).UTC()
		record.FundedAt = &t
	}
	record.SweepDetail = detail.String
	return &record, nil
}
