package validator

import (
	"bytes"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"strings"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/security"
)

// GoSafeModules are importable at every level.
var GoSafeModules = []string{
	HostModule,
	"bytes",
	"context",
	"encoding/base64",
	"encoding/hex",
	"encoding/json",
	"errors",
	"fmt",
	"html",
	"math",
	"math/rand",
	"net/url",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"sync",
	"time",
	"unicode",
	"unicode/utf8",
}

var goClass = map[string]fault.Construct{
	"C":             fault.ConstructDynamicEval,
	"unsafe":        fault.ConstructDynamicEval,
	"reflect":       fault.ConstructDynamicEval,
	"plugin":        fault.ConstructDynamicEval,
	"os/exec":       fault.ConstructProcess,
	"os/signal":     fault.ConstructProcess,
	"os/user":       fault.ConstructProcess,
	"syscall":       fault.ConstructProcess,
	"runtime":       fault.ConstructProcess,
	"runtime/debug": fault.ConstructProcess,
	"os":            fault.ConstructFilesystem,
	"io/ioutil":     fault.ConstructFilesystem,
	"io/fs":         fault.ConstructFilesystem,
	"path/filepath": fault.ConstructFilesystem,
	"embed":         fault.ConstructFilesystem,
}

func classifyGo(path string) fault.Construct {
	if c, ok := goClass[path]; ok {
		return c
	}
	switch {
	case strings.HasPrefix(path, "github.com/traefik/yaegi"), strings.HasPrefix(path, "go/"):
		return fault.ConstructDynamicEval
	case strings.HasPrefix(path, "runtime/"), strings.HasPrefix(path, "golang.org/x/sys"):
		return fault.ConstructProcess
	}
	return ""
}

func validateGo(src []byte, caps security.Set, rules Rules) error {
	fset := token.NewFileSet()
	f, err := parseGo(fset, rules.File, src)
	if err != nil {
		return &fault.CodeValidationError{Construct: fault.ConstructSyntax, Detail: err.Error(), File: rules.File}
	}
	c := newChecker(GoSafeModules, caps, rules)

	for _, imp := range f.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return &fault.CodeValidationError{Construct: fault.ConstructSyntax, Detail: err.Error(), File: rules.File}
		}
		if err := c.module(path, classifyGo(path), fset.Position(imp.Pos()).Line); err != nil {
			return err
		}
	}
	for _, group := range f.Comments {
		for _, cm := range group.List {
			if strings.HasPrefix(cm.Text, "//go:linkname") || strings.HasPrefix(cm.Text, "//go:cgo_") {
				if err := c.construct(fault.ConstructDynamicEval, cm.Text, fset.Position(cm.Pos()).Line); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// parseGo parses a file, falling back to the snippet forms the interpreter
// accepts without a package clause. Prefixes stay on the first line so
// reported positions are unchanged.
func parseGo(fset *token.FileSet, name string, src []byte) (*ast.File, error) {
	f, err := parser.ParseFile(fset, name, src, parser.ParseComments)
	if err == nil || bytes.HasPrefix(bytes.TrimSpace(src), []byte("package ")) {
		return f, err
	}
	if f, e := parser.ParseFile(fset, name, append([]byte("package snippet;"), src...), parser.ParseComments); e == nil {
		return f, nil
	}
	if _, e := parser.ParseExprFrom(fset, name, src, 0); e == nil {
		return &ast.File{Name: ast.NewIdent("snippet")}, nil
	}
	body := append(append([]byte("package snippet;func _(){"), src...), "\n}"...)
	if f, e := parser.ParseFile(fset, name, body, parser.ParseComments); e == nil {
		return f, nil
	}
	return nil, err
}
