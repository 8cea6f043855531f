// Package migrations embeds the PostgreSQL schema.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.sql
var files embed.FS

// All returns every migration concatenated in file-name order.
func All() (string, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return "", fmt.Errorf("migrations: list: %w", err)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		body, err := files.ReadFile(name)
		if err != nil {
			return "", fmt.Errorf("migrations: read %s: %w", name, err)
		}
		b.Write(body)
		b.WriteString("\n")
	}
	return b.String(), nil
}
