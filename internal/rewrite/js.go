package rewrite

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"

	"rewrite-proxy/internal/urlcodec"
)

// LocationGlobal names the snapshot object injected into HTML pages.
const LocationGlobal = "__rpLocation"

// locationRead replaces the object of a location property read.
const locationRead = "(globalThis." + LocationGlobal + "||globalThis.location)"

// navigateOpen and navigateClose wrap a URL assigned to the live location so
// that the shim proxies it. Without the shim the value is only stringified.
const (
	navigateOpen  = "(globalThis.__rpShim?globalThis.__rpShim.proxify:String)("
	navigateClose = ")"
)

// Scopes that bind var declarations and parameters.
var functionScopes = map[string]bool{
	"program":                        true,
	"function":                       true,
	"function_expression":            true,
	"function_declaration":           true,
	"generator_function":             true,
	"generator_function_declaration": true,
	"arrow_function":                 true,
	"method_definition":              true,
	"class_static_block":             true,
}

// Scopes that bind let, const and class declarations.
var blockScopes = map[string]bool{
	"statement_block":  true,
	"for_statement":    true,
	"for_in_statement": true,
	"switch_body":      true,
}

// edit replaces source[start:end] with text.
type edit struct {
	start, end uint32
	text       string
}

// RewriteJS proxies module specifiers and points location reads at the
// snapshot object. When the source does not parse cleanly it is returned
// unchanged together with a non-nil error.
func RewriteJS(ctx context.Context, rc *Context, src []byte) ([]byte, error) {
	if len(src) == 0 {
		return src, nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(javascript.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return src, fmt.Errorf("%w: %v", errParse, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return src, fmt.Errorf("%w: syntax error", errParse)
	}

	w := &jsWalker{rc: rc, src: src, root: root}
	w.bindings(root)
	w.walk(root)
	if len(w.edits) == 0 {
		return src, nil
	}
	return applyEdits(src, w.edits), nil
}

type jsWalker struct {
	rc    *Context
	src   []byte
	root  *sitter.Node
	edits []edit
	// shadows are the byte ranges of scopes declaring a local "location".
	shadows [][2]uint32
}

// bindings records every scope in which "location" names a local binding
// rather than the global.
func (w *jsWalker) bindings(n *sitter.Node) {
	if n == nil || n.IsNull() {
		return
	}

	switch n.Type() {
	case "variable_declarator":
		if w.binds(n.ChildByFieldName("name")) {
			if p := n.Parent(); p != nil && p.Type() == "variable_declaration" {
				w.shadow(w.enclosing(n, false))
			} else {
				w.shadow(w.enclosing(n, true))
			}
		}
	case "for_in_statement":
		left := n.ChildByFieldName("left")
		switch declarationKind(n, left) {
		case "var":
			if w.binds(left) {
				w.shadow(w.enclosing(n, false))
			}
		case "let", "const":
			if w.binds(left) {
				w.shadow(n)
			}
		}
	case "formal_parameters":
		if w.binds(n) {
			w.shadow(n.Parent())
		}
	case "arrow_function":
		if w.binds(n.ChildByFieldName("parameter")) {
			w.shadow(n)
		}
	case "catch_clause":
		if w.binds(n.ChildByFieldName("parameter")) {
			w.shadow(n)
		}
	case "function_declaration", "generator_function_declaration", "class_declaration":
		if w.binds(n.ChildByFieldName("name")) {
			w.shadow(w.enclosing(n, true))
		}
	case "function", "function_expression", "generator_function", "class":
		if w.binds(n.ChildByFieldName("name")) {
			w.shadow(n)
		}
	case "import_statement":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if w.importBinds(n.NamedChild(i)) {
				w.shadow(w.root)
			}
		}
	}

	for i := 0; i < int(n.ChildCount()); i++ {
		w.bindings(n.Child(i))
	}
}

// declarationKind returns the var, let or const keyword declaring the loop
// variable left of a for-in or for-of header, or "" for a plain assignment.
func declarationKind(loop, left *sitter.Node) string {
	if left == nil {
		return ""
	}
	kind := ""
	for i := 0; i < int(loop.ChildCount()); i++ {
		c := loop.Child(i)
		if c.StartByte() >= left.StartByte() {
			break
		}
		switch c.Type() {
		case "var", "let", "const":
			kind = c.Type()
		}
	}
	return kind
}

// binds reports whether the declaration target n introduces "location".
func (w *jsWalker) binds(n *sitter.Node) bool {
	if n == nil || n.IsNull() {
		return false
	}
	switch n.Type() {
	case "identifier", "shorthand_property_identifier_pattern":
		return n.Content(w.src) == "location"
	case "pair_pattern":
		return w.binds(n.ChildByFieldName("value"))
	case "assignment_pattern", "object_assignment_pattern":
		return w.binds(n.ChildByFieldName("left"))
	case "object_pattern", "array_pattern", "rest_pattern", "formal_parameters":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if w.binds(n.NamedChild(i)) {
				return true
			}
		}
	}
	return false
}

func (w *jsWalker) importBinds(n *sitter.Node) bool {
	switch n.Type() {
	case "identifier":
		return n.Content(w.src) == "location"
	case "import_specifier":
		if alias := n.ChildByFieldName("alias"); alias != nil {
			return w.importBinds(alias)
		}
		if name := n.ChildByFieldName("name"); name != nil {
			return w.importBinds(name)
		}
	case "import_clause", "namespace_import", "named_imports":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if w.importBinds(n.NamedChild(i)) {
				return true
			}
		}
	}
	return false
}

// enclosing returns the nearest scope around n: the nearest function scope,
// or with block set the nearest block or function scope.
func (w *jsWalker) enclosing(n *sitter.Node, block bool) *sitter.Node {
	for p := n.Parent(); p != nil && !p.IsNull(); p = p.Parent() {
		if functionScopes[p.Type()] || (block && blockScopes[p.Type()]) {
			return p
		}
	}
	return w.root
}

func (w *jsWalker) shadow(scope *sitter.Node) {
	if scope != nil {
		w.shadows = append(w.shadows, [2]uint32{scope.StartByte(), scope.EndByte()})
	}
}

func (w *jsWalker) shadowed(n *sitter.Node) bool {
	for _, r := range w.shadows {
		if n.StartByte() >= r[0] && n.EndByte() <= r[1] {
			return true
		}
	}
	return false
}

func (w *jsWalker) walk(n *sitter.Node) {
	if n == nil || n.IsNull() {
		return
	}

	switch n.Type() {
	case "import_statement", "export_statement":
		w.specifier(n.ChildByFieldName("source"))
	case "call_expression":
		if fn := n.ChildByFieldName("function"); fn != nil && fn.Type() == "import" {
			if args := n.ChildByFieldName("arguments"); args != nil && args.NamedChildCount() > 0 {
				w.specifier(args.NamedChild(0))
			}
		}
	case "member_expression", "subscript_expression":
		w.locationRead(n)
	case "assignment_expression":
		if w.isNavigationTarget(n.ChildByFieldName("left")) {
			w.wrapNavigation(n.ChildByFieldName("right"))
		}
	}
	if n.Type() == "call_expression" {
		w.navigationCall(n)
	}

	for i := 0; i < int(n.ChildCount()); i++ {
		w.walk(n.Child(i))
	}
}

// specifier replaces a string literal module specifier with the quoted
// proxied URL. Non-literal expressions are left alone.
func (w *jsWalker) specifier(n *sitter.Node) {
	if n == nil || n.Type() != "string" {
		return
	}
	value, ok := unquoteJS(n.Content(w.src))
	if !ok || value == "import.meta" || value == "import.meta.url" || urlcodec.IsPassthrough(value) {
		return
	}
	proxied, ok := w.rc.resolve(value)
	if !ok {
		return
	}
	w.edits = append(w.edits, edit{start: n.StartByte(), end: n.EndByte(), text: strconv.Quote(proxied)})
}

// locationRead rewrites `location.x`, `window.location.x` and
// `document.location.x` when the
// expression is read rather than written or called as a navigation method.
func (w *jsWalker) locationRead(n *sitter.Node) {
	obj := n.ChildByFieldName("object")
	if obj == nil || !w.isLocation(obj) {
		return
	}
	if n.Type() == "member_expression" {
		if prop := n.ChildByFieldName("property"); prop != nil {
			switch prop.Content(w.src) {
			case "assign", "replace", "reload":
				return
			}
		}
	}
	if isWriteTarget(n) {
		return
	}
	w.edits = append(w.edits, edit{start: obj.StartByte(), end: obj.EndByte(), text: locationRead})
}

// isLocation reports whether n refers to the live location object:
// an unshadowed `location`, `window.location` or `document.location`.
func (w *jsWalker) isLocation(n *sitter.Node) bool {
	switch n.Type() {
	case "identifier":
		return n.Content(w.src) == "location" && !w.shadowed(n)
	case "member_expression":
		obj := n.ChildByFieldName("object")
		prop := n.ChildByFieldName("property")
		if obj == nil || prop == nil || obj.Type() != "identifier" || prop.Content(w.src) != "location" {
			return false
		}
		switch obj.Content(w.src) {
		case "window", "document":
			return !w.shadowed(obj)
		}
	}
	return false
}

// isNavigationTarget reports whether assigning to n navigates the page:
// the location object itself or its href.
func (w *jsWalker) isNavigationTarget(n *sitter.Node) bool {
	if n == nil {
		return false
	}
	if w.isLocation(n) {
		return true
	}
	if n.Type() != "member_expression" {
		return false
	}
	obj := n.ChildByFieldName("object")
	prop := n.ChildByFieldName("property")
	return obj != nil && prop != nil && prop.Content(w.src) == "href" && w.isLocation(obj)
}

// navigationCall wraps the URL argument of location.assign and
// location.replace.
func (w *jsWalker) navigationCall(n *sitter.Node) {
	fn := n.ChildByFieldName("function")
	if fn == nil || fn.Type() != "member_expression" {
		return
	}
	obj := fn.ChildByFieldName("object")
	prop := fn.ChildByFieldName("property")
	if obj == nil || prop == nil || !w.isLocation(obj) {
		return
	}
	switch prop.Content(w.src) {
	case "assign", "replace":
	default:
		return
	}
	if args := n.ChildByFieldName("arguments"); args != nil && args.NamedChildCount() > 0 {
		w.wrapNavigation(args.NamedChild(0))
	}
}

// wrapNavigation surrounds the expression n with the shim's proxify call.
// The wrapper is inserted as two empty-width edits so that rewrites inside
// the expression still apply.
func (w *jsWalker) wrapNavigation(n *sitter.Node) {
	if n == nil || n.Type() == "spread_element" {
		return
	}
	w.edits = append(w.edits,
		edit{start: n.StartByte(), end: n.StartByte(), text: navigateOpen},
		edit{start: n.EndByte(), end: n.EndByte(), text: navigateClose},
	)
}

// isWriteTarget reports whether n is assigned to, updated or deleted.
func isWriteTarget(n *sitter.Node) bool {
	p := n.Parent()
	if p == nil {
		return false
	}
	var target *sitter.Node
	switch p.Type() {
	case "assignment_expression", "augmented_assignment_expression":
		target = p.ChildByFieldName("left")
	case "update_expression":
		target = p.ChildByFieldName("argument")
	case "unary_expression":
		if op := p.ChildByFieldName("operator"); op != nil && op.Type() == "delete" {
			return true
		}
	}
	return target != nil && target.StartByte() == n.StartByte() && target.EndByte() == n.EndByte()
}

// unquoteJS returns the value of a single- or double-quoted string literal.
func unquoteJS(lit string) (string, bool) {
	if len(lit) < 2 {
		return "", false
	}
	q := lit[0]
	if (q != '"' && q != '\'') || lit[len(lit)-1] != q {
		return "", false
	}
	body := lit[1 : len(lit)-1]
	if !strings.Contains(body, `\`) {
		return body, true
	}
	if q == '\'' {
		body = strings.ReplaceAll(strings.ReplaceAll(body, `\'`, `'`), `"`, `\"`)
	}
	s, err := strconv.Unquote(`"` + body + `"`)
	if err != nil {
		return "", false
	}
	return s, true
}

// applyEdits applies non-overlapping edits to src. Edits nested inside an
// earlier one are dropped. Empty-width edits are insertions.
func applyEdits(src []byte, edits []edit) []byte {
	sort.SliceStable(edits, func(i, j int) bool { return edits[i].start < edits[j].start })

	var b strings.Builder
	b.Grow(len(src) + len(edits)*64)
	var last uint32
	for _, e := range edits {
		if e.start < last {
			continue
		}
		b.Write(src[last:e.start])
		b.WriteString(e.text)
		last = e.end
	}
	b.Write(src[last:])
	return []byte(b.String())
}
