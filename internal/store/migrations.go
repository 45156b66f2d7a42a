package store

import (
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
)

//go:embed migrations/*/*.sql
var migrationFiles embed.FS

// migrationScripts returns the non-empty SQL scripts for a dialect in file name order.
func migrationScripts(dialect string) ([]string, error) {
	dir := path.Join("migrations", dialect)
	entries, err := migrationFiles.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	scripts := make([]string, 0, len(names))
	for _, name := range names {
		content, err := migrationFiles.ReadFile(path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		if sql := strings.TrimSpace(string(content)); sql != "" {
			scripts = append(scripts, sql)
		}
	}
	return scripts, nil
}
