package validator

import (
	"bytes"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/security"

	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

// LuaSafeModules may be passed to require at every level.
var LuaSafeModules = []string{"host", "string", "table", "math"}

var luaClass = map[string]fault.Construct{
	"load":       fault.ConstructDynamicEval,
	"loadstring": fault.ConstructDynamicEval,
	"dofile":     fault.ConstructDynamicEval,
	"loadfile":   fault.ConstructDynamicEval,
	"setfenv":    fault.ConstructDynamicEval,
	"getfenv":    fault.ConstructDynamicEval,
	"debug":      fault.ConstructDynamicEval,
	"module":     fault.ConstructDynamicEval,
	"package":    fault.ConstructModule,
	"os":         fault.ConstructProcess,
	"io":         fault.ConstructFilesystem,
}

func validateLua(src []byte, caps security.Set, rules Rules) error {
	chunk, err := parse.Parse(bytes.NewReader(src), rules.File)
	if err != nil {
		// expression snippets are evaluated as a return statement
		if c, e := parse.Parse(bytes.NewReader(append([]byte("return "), src...)), rules.File); e == nil {
			chunk, err = c, nil
		}
	}
	if err != nil {
		return &fault.CodeValidationError{Construct: fault.ConstructSyntax, Detail: err.Error(), File: rules.File}
	}
	w := &luaWalker{checker: newChecker(LuaSafeModules, caps, rules)}
	w.stmts(chunk)
	return w.err
}

type luaWalker struct {
	*checker
	err error
}

func (w *luaWalker) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *luaWalker) stmts(list []ast.Stmt) {
	for _, s := range list {
		if w.err != nil {
			return
		}
		w.stmt(s)
	}
}

func (w *luaWalker) exprs(list []ast.Expr) {
	for _, e := range list {
		w.expr(e)
	}
}

func (w *luaWalker) stmt(s ast.Stmt) {
	switch s := s.(type) {
	case *ast.AssignStmt:
		w.exprs(s.Lhs)
		w.exprs(s.Rhs)
	case *ast.LocalAssignStmt:
		w.exprs(s.Exprs)
	case *ast.FuncCallStmt:
		w.expr(s.Expr)
	case *ast.DoBlockStmt:
		w.stmts(s.Stmts)
	case *ast.WhileStmt:
		w.expr(s.Condition)
		w.stmts(s.Stmts)
	case *ast.RepeatStmt:
		w.stmts(s.Stmts)
		w.expr(s.Condition)
	case *ast.IfStmt:
		w.expr(s.Condition)
		w.stmts(s.Then)
		w.stmts(s.Else)
	case *ast.NumberForStmt:
		w.expr(s.Init)
		w.expr(s.Limit)
		w.expr(s.Step)
		w.stmts(s.Stmts)
	case *ast.GenericForStmt:
		w.exprs(s.Exprs)
		w.stmts(s.Stmts)
	case *ast.FuncDefStmt:
		if s.Name != nil {
			w.expr(s.Name.Func)
			w.expr(s.Name.Receiver)
		}
		w.expr(s.Func)
	case *ast.ReturnStmt:
		w.exprs(s.Exprs)
	}
}

func (w *luaWalker) expr(e ast.Expr) {
	if e == nil || w.err != nil {
		return
	}
	switch e := e.(type) {
	case *ast.IdentExpr:
		if class, ok := luaClass[e.Value]; ok {
			w.fail(w.construct(class, e.Value, e.Line()))
		}
	case *ast.AttrGetExpr:
		if id, ok := e.Object.(*ast.IdentExpr); ok && id.Value == "_G" {
			if key, ok := e.Key.(*ast.StringExpr); ok {
				if class, ok := luaClass[key.Value]; ok {
					w.fail(w.construct(class, "_G."+key.Value, e.Line()))
					return
				}
			}
		}
		w.expr(e.Object)
		w.expr(e.Key)
	case *ast.FuncCallExpr:
		if id, ok := e.Func.(*ast.IdentExpr); ok && id.Value == "require" {
			w.require(e)
			w.exprs(e.Args)
			return
		}
		w.expr(e.Func)
		w.expr(e.Receiver)
		w.exprs(e.Args)
	case *ast.TableExpr:
		for _, f := range e.Fields {
			w.expr(f.Key)
			w.expr(f.Value)
		}
	case *ast.FunctionExpr:
		w.stmts(e.Stmts)
	case *ast.LogicalOpExpr:
		w.expr(e.Lhs)
		w.expr(e.Rhs)
	case *ast.RelationalOpExpr:
		w.expr(e.Lhs)
		w.expr(e.Rhs)
	case *ast.StringConcatOpExpr:
		w.expr(e.Lhs)
		w.expr(e.Rhs)
	case *ast.ArithmeticOpExpr:
		w.expr(e.Lhs)
		w.expr(e.Rhs)
	case *ast.UnaryMinusOpExpr:
		w.expr(e.Expr)
	case *ast.UnaryNotOpExpr:
		w.expr(e.Expr)
	case *ast.UnaryLenOpExpr:
		w.expr(e.Expr)
	}
}

func (w *luaWalker) require(e *ast.FuncCallExpr) {
	if len(e.Args) == 1 {
		if s, ok := e.Args[0].(*ast.StringExpr); ok {
			class := luaClass[s.Value]
			if class == fault.ConstructModule {
				class = ""
			}
			w.fail(w.module(s.Value, class, e.Line()))
			return
		}
	}
	w.fail(w.construct(fault.ConstructDynamicEval, "require with a computed name", e.Line()))
}
