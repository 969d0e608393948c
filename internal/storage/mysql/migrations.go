package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"BurnerLaunch/deploy/migrations"
)

const createMigrationTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        file VARCHAR(255) NOT NULL,
        applied_at BIGINT NOT NULL
)`

// schemaStep 是一个迁移文件拆分后的语句集合。
type schemaStep struct {
	version string
	file    string
	stmts   []string
}

func (s *BurnerStore) runMigrations(ctx context.Context) error {
	return migrate(ctx, s.db, migrations.MySQL(), s.now)
}

// migrate 按版本号顺序执行 src 中尚未记录的 *.sql 文件，每个文件一个事务。
func migrate(ctx context.Context, db *sql.DB, src fs.FS, now func() time.Time) error {
	if _, err := db.ExecContext(ctx, createMigrationTable); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}

	done, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	steps, err := readSchemaSteps(src)
	if err != nil {
		return err
	}

	for _, step := range steps {
		if done[step.version] {
			continue
		}
		if err := applyStep(ctx, db, step, now()); err != nil {
			return err
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		done[version] = true
	}
	return done, rows.Err()
}

func applyStep(ctx context.Context, db *sql.DB, step schemaStep, at time.Time) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range step.stmts {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移 %s 失败: %w", step.file, err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, file, applied_at) VALUES (?, ?, ?)`,
		step.version, step.file, at.Unix(),
	); err != nil {
		return fmt.Errorf("记录迁移版本失败: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

func readSchemaSteps(src fs.FS) ([]schemaStep, error) {
	names, err := fs.Glob(src, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}
	sort.Strings(names)

	steps := make([]schemaStep, 0, len(names))
	for _, name := range names {
		body, err := fs.ReadFile(src, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		stmts := splitSQLStatements(string(body))
		if len(stmts) == 0 {
			continue
		}
		steps = append(steps, schemaStep{version: stepVersion(name), file: name, stmts: stmts})
	}
	return steps, nil
}

// splitSQLStatements 按分号拆分语句，并去掉整行的 -- 注释。
func splitSQLStatements(content string) []string {
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}

	var stmts []string
	for _, stmt := range strings.Split(strings.Join(kept, "\n"), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			stmts = append(stmts, trimmed)
		}
	}
	return stmts
}

// stepVersion 取文件名中第一个下划线之前的部分，如 0001_create_burners.sql -> 0001。
func stepVersion(name string) string {
	base := strings.TrimSuffix(path.Base(name), ".sql")
	if version, _, ok := strings.Cut(base, "_"); ok && version != "" {
		return version
	}
	return base
}
