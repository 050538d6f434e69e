// Package project reads and writes the runit.json descriptor at the root of
// every project directory.
package project

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the descriptor file at the project root.
const FileName = "runit.json"

const (
	LangPython     = "python"
	LangPHP        = "php"
	LangJavaScript = "javascript"
	LangMulti      = "multi"
)

var ErrNoDescriptor = errors.New("project: descriptor not found")

// starterFiles maps a declared language to its default entry file.
var starterFiles = map[string]string{
	LangPython:     "application.py",
	LangPHP:        "index.php",
	LangJavaScript: "main.js",
	LangMulti:      "application.py",
}

// Author accepts both the object form and the legacy bare-string form.
type Author struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

func (a *Author) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*a = Author{}
		return nil
	}
	if b[0] == '"' {
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		*a = Author{Name: name}
		return nil
	}
	type plain Author
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*a = Author(p)
	return nil
}

// Descriptor is the content of runit.json.
type Descriptor struct {
	ID          string `json:"_id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Homepage    string `json:"homepage"`
	Language    string `json:"language"`
	Runtime     string `json:"runtime"`
	StartFile   string `json:"start_file"`
	Author      Author `json:"author"`
}

// EntryFile returns StartFile, or the starter file of the declared language
// when StartFile is empty.
func (d Descriptor) EntryFile() string {
	if s := strings.TrimSpace(d.StartFile); s != "" {
		return s
	}
	return StarterFile(d.Language)
}

// StarterFile returns the default entry file for language ("" if unknown).
func StarterFile(language string) string {
	return starterFiles[strings.ToLower(strings.TrimSpace(language))]
}

// Load reads dir/runit.json. A missing file yields ErrNoDescriptor.
func Load(dir string) (Descriptor, error) {
	var d Descriptor
	b, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return d, ErrNoDescriptor
		}
		return d, err
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return d, fmt.Errorf("parse %s: %w", FileName, err)
	}
	return d, nil
}

// Save writes d to dir/runit.json atomically.
func Save(dir string, d Descriptor) error {
	if d.StartFile == "" {
		d.StartFile = StarterFile(d.Language)
	}
	b, err := json.MarshalIndent(d, "", "    ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, "."+FileName+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filepath.Join(dir, FileName))
}

// ValidID reports whether id can name a directory under the projects root.
func ValidID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.ContainsRune(id, 0)
}

// Dir joins root and id, or returns false when id is not a valid project id.
func Dir(root, id string) (string, bool) {
	if !ValidID(id) {
		return "", false
	}
	return filepath.Join(root, id), true
}
