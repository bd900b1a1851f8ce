package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/security"
	"github.com/MXWXZ/plugd/utils"

	"github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"
)

// Files are the accepted descriptor names, first match wins.
var Files = []string{"manifest.yml", "manifest.yaml", "manifest.json"}

var idPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// DefaultMain is the entry file name used when main is omitted.
const DefaultMain = "index"

type Manifest struct {
	ID              string             `yaml:"id" json:"id"`
	Name            string             `yaml:"name" json:"name"`
	Version         string             `yaml:"version" json:"version"`
	Description     string             `yaml:"description" json:"description"`
	Author          string             `yaml:"author" json:"author"`
	PermissionLevel string             `yaml:"permissionLevel" json:"permissionLevel"`
	Main            string             `yaml:"main" json:"main"`
	Engine          string             `yaml:"engine" json:"engine,omitempty"`
	Security        security.Ceilings  `yaml:"security" json:"security"`
	Settings        Schema             `yaml:"settings" json:"settings"`
	AllowedModules  []string           `yaml:"allowedModules" json:"allowedModules,omitempty"`
	BlockedPatterns []string           `yaml:"blockedPatterns" json:"blockedPatterns,omitempty"`
	Level           security.Level     `yaml:"-" json:"-"`
	Dir             string             `yaml:"-" json:"-"`
	File            string             `yaml:"-" json:"-"`
	blocked         []*regexp.Regexp
}

// Find returns the descriptor path in dir.
func Find(dir string) (string, bool) {
	for _, f := range Files {
		p := filepath.Join(dir, f)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, true
		}
	}
	return "", false
}

// IsDescriptor reports whether name is a descriptor file name.
func IsDescriptor(name string) bool {
	for _, f := range Files {
		if f == name {
			return true
		}
	}
	return false
}

// Load reads and validates the descriptor in dir. Every failure is a *fault.ManifestError.
func Load(dir string) (*Manifest, error) {
	path, ok := Find(dir)
	if !ok {
		return nil, &fault.ManifestError{Path: dir, Err: errors.New("descriptor not found")}
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, &fault.ManifestError{Path: path, Err: err}
	}
	m, err := Parse(buf)
	if err != nil {
		var me *fault.ManifestError
		if errors.As(err, &me) {
			me.Path = path
		}
		return nil, err
	}
	m.Dir = dir
	m.File = path
	return m, nil
}

// Parse decodes and validates a descriptor document.
func Parse(buf []byte) (*Manifest, error) {
	m := new(Manifest)
	if err := yaml.Unmarshal(buf, m); err != nil {
		return nil, &fault.ManifestError{Err: err}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func invalid(field string, format string, args ...any) error {
	return &fault.ManifestError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Validate checks fields and fills defaults.
func (m *Manifest) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"id", m.ID},
		{"name", m.Name},
		{"version", m.Version},
		{"description", m.Description},
		{"author", m.Author},
	}
	for _, v := range required {
		if strings.TrimSpace(v.value) == "" {
			return invalid(v.name, "required")
		}
	}
	if !idPattern.MatchString(m.ID) {
		return invalid("id", "%q does not match %v", m.ID, idPattern)
	}
	if !utils.ValidVersion(m.Version) {
		return invalid("version", "%q is not a semantic version", m.Version)
	}

	level, err := security.ParseLevel(m.PermissionLevel)
	if err != nil {
		return invalid("permissionLevel", "%v", err)
	}
	m.Level = level
	m.PermissionLevel = level.String()

	if m.Main == "" {
		m.Main = DefaultMain
	}
	if m.Main != filepath.Base(m.Main) || m.Main == "." || m.Main == ".." {
		return invalid("main", "%q must be a file name", m.Main)
	}
	if m.Engine != "" {
		if _, err := version.NewConstraint(m.Engine); err != nil {
			return invalid("engine", "%v", err)
		}
	}

	c := m.Security
	if c.MaxMemoryMB < 0 || c.MaxExecutionTimeMs < 0 || c.MaxFileSizeKB < 0 ||
		c.MaxNetworkRequests < 0 || c.MaxDatabaseQueries < 0 {
		return invalid("security", "ceilings must not be negative")
	}

	for _, v := range m.AllowedModules {
		if strings.TrimSpace(v) == "" {
			return invalid("allowedModules", "empty module name")
		}
	}
	m.blocked = m.blocked[:0]
	for _, v := range m.BlockedPatterns {
		re, err := regexp.Compile(v)
		if err != nil {
			return invalid("blockedPatterns", "%v", err)
		}
		m.blocked = append(m.blocked, re)
	}

	for _, f := range m.Settings.Fields {
		if err := f.check(); err != nil {
			return invalid("settings."+f.Key, "%v", err)
		}
	}
	return nil
}

// Blocked returns the compiled blockedPatterns.
func (m *Manifest) Blocked() []*regexp.Regexp {
	return m.blocked
}

// CheckEngine checks the engine constraint against the host version.
func (m *Manifest) CheckEngine(host string) error {
	if m.Engine == "" {
		return nil
	}
	ok, err := utils.CheckVersion(host, m.Engine)
	if err != nil {
		return &fault.ManifestError{Path: m.File, Field: "engine", Err: err}
	}
	if !ok {
		return &fault.ManifestError{Path: m.File, Field: "engine",
			Err: fmt.Errorf("host version %v does not satisfy %v", host, m.Engine)}
	}
	return nil
}
