package workflow

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"reflect"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Evaluator executes rule and transition expressions against a restricted
// namespace. An expression may use literals, namespace names, member access
// into namespace maps, comparisons, boolean and arithmetic operators, and
// calls to whitelisted helpers. Anything else fails the parse.
type Evaluator struct {
	cache *lru.Cache[string, ast.Expr]
}

const exprCacheSize = 256

// NewEvaluator builds an evaluator with a parsed-expression cache.
func NewEvaluator() *Evaluator {
	cache, _ := lru.New[string, ast.Expr](exprCacheSize)
	return &Evaluator{cache: cache}
}

// Namespace is the data an expression may read.
type Namespace map[string]any

// Helper is a whitelisted function callable from expressions.
type Helper func(args []any) (any, error)

// builtinHelpers are available in every namespace.
func builtinHelpers(ns Namespace) map[string]Helper {
	return map[string]Helper{
		"command_contains": func(args []any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("command_contains wants 1 arg")
			}
			cmd, _ := lookup(ns, "args", "command").(string)
			needle, _ := args[0].(string)
			return strings.Contains(cmd, needle), nil
		},
		"file_is_plan": func(args []any) (any, error) {
			path, _ := lookup(ns, "args", "file_path").(string)
			if len(args) == 1 {
				path, _ = args[0].(string)
			}
			base := strings.ToLower(path)
			return strings.Contains(base, "plan") && (strings.HasSuffix(base, ".md") || strings.HasSuffix(base, ".txt")), nil
		},
		"user_says": func(args []any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("user_says wants 1 arg")
			}
			msg, _ := lookup(ns, "args", "prompt").(string)
			needle, _ := args[0].(string)
			return strings.Contains(strings.ToLower(msg), strings.ToLower(needle)), nil
		},
		"contains": func(args []any) (any, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("contains wants 2 args")
			}
			switch hay := args[0].(type) {
			case string:
				needle, _ := args[1].(string)
				return strings.Contains(hay, needle), nil
			case []any:
				for _, v := range hay {
					if v == args[1] {
						return true, nil
					}
				}
				return false, nil
			}
			return false, nil
		},
		"starts_with": func(args []any) (any, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("starts_with wants 2 args")
			}
			s, _ := args[0].(string)
			prefix, _ := args[1].(string)
			return strings.HasPrefix(s, prefix), nil
		},
		"len": func(args []any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("len wants 1 arg")
			}
			switch v := args[0].(type) {
			case string:
				return len(v), nil
			case []any:
				return len(v), nil
			case map[string]any:
				return len(v), nil
			case nil:
				return 0, nil
			}
			return nil, fmt.Errorf("len: unsupported type %T", args[0])
		},
	}
}

func lookup(ns Namespace, path ...string) any {
	var cur any = map[string]any(ns)
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

// Eval evaluates expr against ns and coerces the result to bool using
// truthiness (false/0/""/nil/empty are false).
func (e *Evaluator) Eval(expr string, ns Namespace) (bool, error) {
	v, err := e.EvalValue(expr, ns)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// EvalValue evaluates expr and returns the raw result.
func (e *Evaluator) EvalValue(expr string, ns Namespace) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	node, ok := e.cache.Get(expr)
	if !ok {
		parsed, err := parser.ParseExpr(normalize(expr))
		if err != nil {
			return nil, fmt.Errorf("parse expression %q: %w", expr, err)
		}
		if err := checkAllowed(parsed); err != nil {
			return nil, fmt.Errorf("expression %q: %w", expr, err)
		}
		e.cache.Add(expr, parsed)
		node = parsed
	}
	return evalNode(node, ns, builtinHelpers(ns))
}

// normalize rewrites the YAML-friendly operators (and/or/not, single-quoted
// strings) into Go syntax. Quoted regions are left untouched.
func normalize(expr string) string {
	var out strings.Builder
	runes := []rune(expr)
	i := 0
	prev := rune(' ')
	for i < len(runes) {
		r := runes[i]
		if r == '"' || r == '\'' {
			prev = r
			quote := r
			out.WriteRune('"')
			i++
			for i < len(runes) && runes[i] != quote {
				if runes[i] == '\\' && i+1 < len(runes) {
					out.WriteRune(runes[i])
					i++
				}
				out.WriteRune(runes[i])
				i++
			}
			out.WriteRune('"')
			i++
			continue
		}
		if !isIdentRune(prev) {
			if word, n := matchWord(runes[i:]); n > 0 {
				out.WriteString(word)
				i += n
				prev = ' '
				continue
			}
		}
		out.WriteRune(r)
		prev = r
		i++
	}
	return out.String()
}

// matchWord recognizes a leading and/or/not keyword bounded by non-identifier
// characters and returns its Go spelling.
func matchWord(rest []rune) (string, int) {
	for kw, op := range map[string]string{"and": "&&", "or": "||", "not": "!"} {
		if len(rest) < len(kw) || string(rest[:len(kw)]) != kw {
			continue
		}
		if len(rest) > len(kw) && isIdentRune(rest[len(kw)]) {
			continue
		}
		return op, len(kw)
	}
	return "", 0
}

func isIdentRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// checkAllowed walks the AST rejecting every node kind outside the safe set.
func checkAllowed(node ast.Expr) error {
	var badNode error
	ast.Inspect(node, func(n ast.Node) bool {
		if n == nil || badNode != nil {
			return false
		}
		switch v := n.(type) {
		case *ast.BasicLit:
			switch v.Kind {
			case token.INT, token.FLOAT, token.STRING:
			default:
				badNode = fmt.Errorf("literal kind %s not allowed", v.Kind)
			}
		case *ast.Ident, *ast.ParenExpr, *ast.SelectorExpr, *ast.IndexExpr:
		case *ast.BinaryExpr:
			switch v.Op {
			case token.LAND, token.LOR,
				token.EQL, token.NEQ, token.LSS, token.LEQ, token.GTR, token.GEQ,
				token.ADD, token.SUB, token.MUL, token.QUO, token.REM:
			default:
				badNode = fmt.Errorf("operator %s not allowed", v.Op)
			}
		case *ast.UnaryExpr:
			if v.Op != token.NOT && v.Op != token.SUB {
				badNode = fmt.Errorf("operator %s not allowed", v.Op)
			}
		case *ast.CallExpr:
			if _, ok := v.Fun.(*ast.Ident); !ok {
				badNode = fmt.Errorf("only direct helper calls are allowed")
			}
		default:
			badNode = fmt.Errorf("syntax %T not allowed", n)
		}
		return badNode == nil
	})
	return badNode
}

func evalNode(node ast.Expr, ns Namespace, helpers map[string]Helper) (any, error) {
	switch v := node.(type) {
	case *ast.BasicLit:
		return evalLiteral(v)
	case *ast.Ident:
		return evalIdent(v.Name, ns)
	case *ast.ParenExpr:
		return evalNode(v.X, ns, helpers)
	case *ast.SelectorExpr:
		base, err := evalNode(v.X, ns, helpers)
		if err != nil {
			return nil, err
		}
		return member(base, v.Sel.Name), nil
	case *ast.IndexExpr:
		base, err := evalNode(v.X, ns, helpers)
		if err != nil {
			return nil, err
		}
		idx, err := evalNode(v.Index, ns, helpers)
		if err != nil {
			return nil, err
		}
		return index(base, idx), nil
	case *ast.UnaryExpr:
		x, err := evalNode(v.X, ns, helpers)
		if err != nil {
			return nil, err
		}
		switch v.Op {
		case token.NOT:
			return !truthy(x), nil
		case token.SUB:
			f, ok := toFloat(x)
			if !ok {
				return nil, fmt.Errorf("cannot negate %T", x)
			}
			return -f, nil
		}
		return nil, fmt.Errorf("operator %s not allowed", v.Op)
	case *ast.BinaryExpr:
		return evalBinary(v, ns, helpers)
	case *ast.CallExpr:
		name := v.Fun.(*ast.Ident).Name
		fn, ok := helpers[name]
		if !ok {
			return nil, fmt.Errorf("unknown helper %q", name)
		}
		args := make([]any, 0, len(v.Args))
		for _, a := range v.Args {
			val, err := evalNode(a, ns, helpers)
			if err != nil {
				return nil, err
			}
			args = append(args, val)
		}
		return fn(args)
	}
	return nil, fmt.Errorf("syntax %T not allowed", node)
}

func evalLiteral(lit *ast.BasicLit) (any, error) {
	switch lit.Kind {
	case token.INT:
		n, err := strconv.ParseInt(lit.Value, 10, 64)
		return float64(n), err
	case token.FLOAT:
		return strconv.ParseFloat(lit.Value, 64)
	case token.STRING:
		return strconv.Unquote(lit.Value)
	}
	return nil, fmt.Errorf("literal kind %s not allowed", lit.Kind)
}

func evalIdent(name string, ns Namespace) (any, error) {
	switch name {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "nil", "null":
		return nil, nil
	}
	if v, ok := ns[name]; ok {
		return v, nil
	}
	return nil, nil
}

func evalBinary(v *ast.BinaryExpr, ns Namespace, helpers map[string]Helper) (any, error) {
	// Short-circuit boolean ops.
	if v.Op == token.LAND || v.Op == token.LOR {
		left, err := evalNode(v.X, ns, helpers)
		if err != nil {
			return nil, err
		}
		if v.Op == token.LAND && !truthy(left) {
			return false, nil
		}
		if v.Op == token.LOR && truthy(left) {
			return true, nil
		}
		right, err := evalNode(v.Y, ns, helpers)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	left, err := evalNode(v.X, ns, helpers)
	if err != nil {
		return nil, err
	}
	right, err := evalNode(v.Y, ns, helpers)
	if err != nil {
		return nil, err
	}

	switch v.Op {
	case token.EQL:
		return equal(left, right), nil
	case token.NEQ:
		return !equal(left, right), nil
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch v.Op {
		case token.LSS:
			return lf < rf, nil
		case token.LEQ:
			return lf <= rf, nil
		case token.GTR:
			return lf > rf, nil
		case token.GEQ:
			return lf >= rf, nil
		case token.ADD:
			return lf + rf, nil
		case token.SUB:
			return lf - rf, nil
		case token.MUL:
			return lf * rf, nil
		case token.QUO:
			if rf == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return lf / rf, nil
		case token.REM:
			if int64(rf) == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return float64(int64(lf) % int64(rf)), nil
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch v.Op {
		case token.LSS:
			return ls < rs, nil
		case token.LEQ:
			return ls <= rs, nil
		case token.GTR:
			return ls > rs, nil
		case token.GEQ:
			return ls >= rs, nil
		case token.ADD:
			return ls + rs, nil
		}
	}
	return nil, fmt.Errorf("operator %s not applicable to %T and %T", v.Op, left, right)
}

func member(base any, name string) any {
	if m, ok := base.(map[string]any); ok {
		return m[name]
	}
	return nil
}

func index(base, idx any) any {
	switch b := base.(type) {
	case map[string]any:
		if k, ok := idx.(string); ok {
			return b[k]
		}
	case []any:
		if f, ok := toFloat(idx); ok {
			i := int(f)
			if i >= 0 && i < len(b) {
				return b[i]
			}
		}
	}
	return nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	return true
}

func equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	// == on uncomparable dynamic types (maps, slices) panics.
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}
