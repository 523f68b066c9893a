// Package migrations embeds the versioned SQL schema for every supported
// dialect. Files are named <version>_<description>.sql and applied in
// version order by internal/storage/mysql.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed mysql/*.sql sqlite/*.sql
var files embed.FS

// Dialect 返回某个方言的迁移目录。
func Dialect(name string) (fs.FS, error) {
	if _, err := fs.Stat(files, name); err != nil {
		return nil, fmt.Errorf("不支持的迁移方言 %q: %w", name, err)
	}
	return fs.Sub(files, name)
}
