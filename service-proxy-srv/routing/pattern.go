package routing

import (
	"encoding/json"
	"regexp"
)

// PatternKind distinguishes literal from regular-expression paths.
type PatternKind int

const (
	// PatternLiteral matches by exact string equality.
	PatternLiteral PatternKind = iota
	// PatternRegex matches when the whole path matches the expression.
	PatternRegex
)

func (k PatternKind) String() string {
	if k == PatternRegex {
		return "regex"
	}
	return "literal"
}

// PathPattern is a literal path or a regular expression matched against
// the whole request path. Build one with Literal or Regex; a zero
// PathPattern is an empty literal.
type PathPattern struct {
	Kind PatternKind
	Expr string

	re *regexp.Regexp
}

// Literal returns a pattern that matches exactly path.
func Literal(path string) PathPattern {
	return PathPattern{Kind: PatternLiteral, Expr: path}
}

// Regex returns a pattern matching paths the expression fully matches.
// The expression is compiled when the rule is registered.
func Regex(expr string) PathPattern {
	return PathPattern{Kind: PatternRegex, Expr: expr}
}

// compile anchors and compiles a regex pattern. Literal patterns are
// returned unchanged.
func (p PathPattern) compile() (PathPattern, error) {
	if p.Kind != PatternRegex {
		return p, nil
	}
	re, err := regexp.Compile(`^(?:` + p.Expr + `)$`)
	if err != nil {
		return p, err
	}
	p.re = re
	return p, nil
}

// Match reports whether path satisfies the pattern.
func (p PathPattern) Match(path string) bool {
	if p.Kind == PatternRegex {
		if p.re == nil {
			return false
		}
		return p.re.MatchString(path)
	}
	return p.Expr == path
}

func (p PathPattern) String() string {
	return p.Expr
}

// MarshalJSON renders {"kind": "regex", "expr": "/am/.*"}.
func (p PathPattern) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind string `json:"kind"`
		Expr string `json:"expr"`
	}{p.Kind.String(), p.Expr})
}

// PrefixPattern turns a route prefix such as /am into the regex /am/.*
// that forwards everything below it.
func PrefixPattern(prefix string) PathPattern {
	for len(prefix) > 1 && prefix[len(prefix)-1] == '/' {
		prefix = prefix[:len(prefix)-1]
	}
	if prefix == "/" {
		return Regex(`/.*`)
	}
	return Regex(regexp.QuoteMeta(prefix) + `/.*`)
}
