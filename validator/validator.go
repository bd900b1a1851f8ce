package validator

import (
	"regexp"
	"strings"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/manifest"
	"github.com/MXWXZ/plugd/security"
	"github.com/MXWXZ/plugd/utils/tpl"
)

// HostModule is the import path of the injected capability surface.
const HostModule = "plugd/host"

// Rules are the per-plugin overrides applied on top of the capability set.
type Rules struct {
	File           string
	AllowedModules []string
	Blocked        []*regexp.Regexp
}

// RulesFor builds rules from a manifest plus process-wide blocked patterns.
func RulesFor(m *manifest.Manifest, file string, blocked []*regexp.Regexp) Rules {
	return Rules{
		File:           file,
		AllowedModules: m.AllowedModules,
		Blocked:        append(append([]*regexp.Regexp{}, blocked...), m.Blocked()...),
	}
}

// Validate statically checks src before it is executed.
// It returns nil or a *fault.CodeValidationError naming the first offending construct.
func Validate(lang manifest.Language, src []byte, caps security.Set, rules Rules) error {
	if err := checkBlocked(src, rules); err != nil {
		return err
	}
	switch lang {
	case manifest.LanguageGo:
		return validateGo(src, caps, rules)
	case manifest.LanguageLua:
		return validateLua(src, caps, rules)
	}
	return &fault.CodeValidationError{Construct: fault.ConstructSyntax, File: rules.File, Detail: "unknown language " + string(lang)}
}

func checkBlocked(src []byte, rules Rules) error {
	for _, re := range rules.Blocked {
		if loc := re.FindIndex(src); loc != nil {
			return &fault.CodeValidationError{
				Construct: fault.ConstructBlockedPattern,
				Detail:    re.String(),
				File:      rules.File,
				Line:      1 + strings.Count(string(src[:loc[0]]), "\n"),
			}
		}
	}
	return nil
}

type checker struct {
	caps    security.Set
	allowed *tpl.SliceFinder[string]
	file    string
}

func newChecker(base []string, caps security.Set, rules Rules) *checker {
	return &checker{
		caps:    caps,
		allowed: tpl.NewSliceFinder(base, rules.AllowedModules),
		file:    rules.File,
	}
}

// construct rejects class unless the system capability is granted.
func (c *checker) construct(class fault.Construct, detail string, line int) error {
	if c.caps.Has(security.CapSystem) {
		return nil
	}
	return &fault.CodeValidationError{Construct: class, Detail: detail, File: c.file, Line: line}
}

// module checks an import, class is the construct it falls in or empty.
func (c *checker) module(name string, class fault.Construct, line int) error {
	if class != "" {
		return c.construct(class, "import "+name, line)
	}
	if c.allowed.Find(name) {
		return nil
	}
	return c.construct(fault.ConstructModule, "import "+name, line)
}
