package migrations

import (
	"embed"
	"io/fs"
)

//go:embed mysql/*.sql postgres/*.sql
var files embed.FS

// MySQL 暴露 MySQL 迁移文件。
func MySQL() fs.FS {
	sub, _ := fs.Sub(files, "mysql")
	return sub
}

// Postgres 暴露 PostgreSQL 迁移文件。
func Postgres() fs.FS {
	sub, _ := fs.Sub(files, "postgres")
	return sub
}
