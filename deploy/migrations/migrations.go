package migrations

import "embed"

// Files 暴露台账相关的 SQL 迁移文件,供部署工具按文件名顺序执行。
//
//go:embed *.sql
var Files embed.FS
