// Package language discovers and invokes functions in user source files by
// running small loader and runner scripts through the language interpreter.
package language

import (
	"path/filepath"
	"strings"
)

type Language string

const (
	Python     Language = "python"
	PHP        Language = "php"
	JavaScript Language = "javascript"
)

// Multi marks a project whose entry file extension decides the language.
const Multi = "multi"

var extensions = map[string]Language{
	".py":  Python,
	".php": PHP,
	".js":  JavaScript,
	".jsx": JavaScript,
	".ts":  JavaScript,
	".tsx": JavaScript,
}

// All lists the supported languages in a stable order.
func All() []Language { return []Language{Python, PHP, JavaScript} }

// ForFile picks the language from the entry file extension.
func ForFile(entry string) (Language, bool) {
	l, ok := extensions[strings.ToLower(filepath.Ext(entry))]
	return l, ok
}

// ForDescriptor uses the declared language unless it is empty or "multi".
func ForDescriptor(declared, entry string) (Language, bool) {
	switch d := Language(strings.ToLower(strings.TrimSpace(declared))); d {
	case Python, PHP, JavaScript:
		return d, true
	case "", Multi:
		return ForFile(entry)
	default:
		return "", false
	}
}

func (l Language) ext() string {
	switch l {
	case Python:
		return ".py"
	case PHP:
		return ".php"
	default:
		return ".js"
	}
}
