package language

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed tools
var toolsFS embed.FS

// InstallTools writes the loader and runner scripts under dir/<language>/.
// A script is rewritten only when its content differs.
func InstallTools(dir string) error {
	for _, lang := range All() {
		for _, kind := range []string{"loader", "runner"} {
			name := kind + lang.ext()
			src, err := toolsFS.ReadFile("tools/" + string(lang) + "/" + name)
			if err != nil {
				return fmt.Errorf("embedded %s/%s: %w", lang, name, err)
			}
			dst := filepath.Join(dir, string(lang), name)
			if cur, err := os.ReadFile(dst); err == nil && bytes.Equal(cur, src) {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(dst, src, 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}

func scriptPaths(dir string, lang Language) (loader, runner string) {
	base := filepath.Join(dir, string(lang))
	return filepath.Join(base, "loader"+lang.ext()), filepath.Join(base, "runner"+lang.ext())
}
