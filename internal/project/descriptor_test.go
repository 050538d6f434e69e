package project

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadAuthorForms(t *testing.T) {
	cases := []struct {
		name string
		json string
		want Author
	}{
		{"object", `{"name":"p","author":{"name":"Ama","email":"ama@example.com"}}`, Author{Name: "Ama", Email: "ama@example.com"}},
		{"string", `{"name":"p","author":"Ama"}`, Author{Name: "Ama"}},
		{"null", `{"name":"p","author":null}`, Author{}},
		{"missing", `{"name":"p"}`, Author{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tc.json), 0o644); err != nil {
				t.Fatal(err)
			}
			d, err := Load(dir)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if d.Author != tc.want {
				t.Fatalf("author = %+v, want %+v", d.Author, tc.want)
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(t.TempDir()); !errors.Is(err, ErrNoDescriptor) {
		t.Fatalf("err = %v, want ErrNoDescriptor", err)
	}
}

func TestSaveRoundTripAndStarterDefault(t *testing.T) {
	dir := t.TempDir()
	in := Descriptor{ID: "abc", Name: "demo", Language: LangPHP, Author: Author{Name: "Kofi"}}
	if err := Save(dir, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	out, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.ID != "abc" || out.StartFile != "index.php" || out.Author.Name != "Kofi" {
		t.Fatalf("round trip = %+v", out)
	}
	raw, _ := os.ReadFile(filepath.Join(dir, FileName))
	if !strings.Contains(string(raw), `"_id": "abc"`) {
		t.Fatalf("descriptor missing _id key:\n%s", raw)
	}
}

func TestEntryFile(t *testing.T) {
	cases := []struct {
		d    Descriptor
		want string
	}{
		{Descriptor{Language: LangPython}, "application.py"},
		{Descriptor{Language: LangJavaScript}, "main.js"},
		{Descriptor{Language: LangMulti}, "application.py"},
		{Descriptor{Language: LangPython, StartFile: "app.py"}, "app.py"},
		{Descriptor{Language: "cobol"}, ""},
	}
	for _, tc := range cases {
		if got := tc.d.EntryFile(); got != tc.want {
			t.Fatalf("EntryFile(%+v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestValidID(t *testing.T) {
	for id, want := range map[string]bool{
		"abc123": true,
		"":       false,
		".":      false,
		"..":     false,
		"a/b":    false,
		`a\b`:    false,
	} {
		if got := ValidID(id); got != want {
			t.Fatalf("ValidID(%q) = %v, want %v", id, got, want)
		}
	}
}
