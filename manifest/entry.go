package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Language is the runtime a plugin entry file is written for.
type Language string

const (
	LanguageGo  Language = "go"
	LanguageLua Language = "lua"
)

var extLanguage = map[string]Language{
	".go":  LanguageGo,
	".lua": LanguageLua,
}

// LanguageOf returns the language of path by extension.
func LanguageOf(path string) (Language, bool) {
	l, ok := extLanguage[strings.ToLower(filepath.Ext(path))]
	return l, ok
}

// EntryNames lists the file names main may resolve to.
func (m *Manifest) EntryNames() []string {
	if _, ok := LanguageOf(m.Main); ok {
		return []string{m.Main}
	}
	return []string{m.Main + ".go", m.Main + ".lua"}
}

// Entry resolves the entry file in the plugin directory.
// Exactly one candidate must exist.
func (m *Manifest) Entry() (string, Language, error) {
	var found []string
	for _, name := range m.EntryNames() {
		p := filepath.Join(m.Dir, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 0:
		return "", "", fmt.Errorf("entry file %v not found", m.Main)
	case 1:
		l, _ := LanguageOf(found[0])
		return found[0], l, nil
	}
	return "", "", fmt.Errorf("entry file %v is ambiguous: %v", m.Main, strings.Join(found, ", "))
}
