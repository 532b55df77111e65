package audit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"gorm.io/gorm"
)

// Filter selects audit entries. Zero fields match everything.
type Filter struct {
	CorrelationID string
	Actor         string
	Action        string
	Resource      string
	Success       *bool
	// Since is inclusive, Until exclusive.
	Since time.Time
	Until time.Time
	// Where holds conditions parsed from a filter expression.
	Where []Condition
	// After resumes iteration strictly after the given position.
	After    *Cursor
	PageSize int
}

// Condition is one comparison from a filter expression.
type Condition struct {
	Field string
	Op    string
	Value string
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindBool
	kindTime
)

type fieldSpec struct {
	column string
	kind   fieldKind
}

var filterFields = map[string]fieldSpec{
	"actor":       {column: "actor", kind: kindString},
	"team":        {column: "actor_team", kind: kindString},
	"action":      {column: "action", kind: kindString},
	"resource":    {column: "resource", kind: kindString},
	"correlation": {column: "correlation_id", kind: kindString},
	"before":      {column: "before_status", kind: kindString},
	"after":       {column: "after_status", kind: kindString},
	"success":     {column: "success", kind: kindBool},
	"at":          {column: "recorded_at", kind: kindTime},
}

var allowedOps = map[fieldKind][]string{
	kindString: {"=", "!="},
	kindBool:   {"="},
	kindTime:   {"<", "<=", ">", ">="},
}

func (c Condition) check() (fieldSpec, any, error) {
	spec, ok := filterFields[strings.ToLower(c.Field)]
	if !ok {
		return fieldSpec{}, nil, fmt.Errorf("unknown filter field %q", c.Field)
	}
	opOK := false
	for _, op := range allowedOps[spec.kind] {
		if op == c.Op {
			opOK = true
			break
		}
	}
	if !opOK {
		return fieldSpec{}, nil, fmt.Errorf("operator %q is not supported for field %q", c.Op, c.Field)
	}
	switch spec.kind {
	case kindBool:
		b, err := strconv.ParseBool(c.Value)
		if err != nil {
			return fieldSpec{}, nil, fmt.Errorf("field %q expects true or false, got %q", c.Field, c.Value)
		}
		return spec, b, nil
	case kindTime:
		t, err := time.Parse(time.RFC3339Nano, c.Value)
		if err != nil {
			return fieldSpec{}, nil, fmt.Errorf("field %q expects an RFC3339 timestamp: %w", c.Field, err)
		}
		return spec, t.UTC(), nil
	default:
		return spec, c.Value, nil
	}
}

func (f Filter) validate() error {
	for _, c := range f.Where {
		if _, _, err := c.check(); err != nil {
			return err
		}
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && !f.Until.After(f.Since) {
		return fmt.Errorf("filter window is empty: until must be after since")
	}
	return nil
}

func (f Filter) apply(q *gorm.DB) (*gorm.DB, error) {
	if f.CorrelationID != "" {
		q = q.Where("correlation_id = ?", f.CorrelationID)
	}
	if f.Actor != "" {
		q = q.Where("actor = ?", f.Actor)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.Resource != "" {
		q = q.Where("resource = ?", f.Resource)
	}
	if f.Success != nil {
		q = q.Where("success = ?", *f.Success)
	}
	if !f.Since.IsZero() {
		q = q.Where("recorded_at >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q = q.Where("recorded_at < ?", f.Until.UTC())
	}
	for _, c := range f.Where {
		spec, v, err := c.check()
		if err != nil {
			return nil, err
		}
		// Column and operator both come from fixed tables above.
		q = q.Where(spec.column+" "+c.Op+" ?", v)
	}
	return q, nil
}

// Filter expressions look like:
//
//	actor = "alice" AND action != "lock.force_release" AND at >= "2026-01-01T00:00:00Z"
type expression struct {
	Terms []*term `parser:"@@ ( 'AND' @@ )*"`
}

type term struct {
	Field string `parser:"@Ident"`
	Op    string `parser:"@Op"`
	Value string `parser:"@(String | Ident)"`
}

var (
	filterLexer = lexer.MustSimple([]lexer.SimpleRule{
		{Name: "Keyword", Pattern: `(?i)\bAND\b`},
		{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_.\-]*`},
		{Name: "String", Pattern: `"(?:\\.|[^"\\])*"`},
		{Name: "Op", Pattern: `!=|>=|<=|=|>|<`},
		{Name: "Whitespace", Pattern: `\s+`},
	})

	filterParser = participle.MustBuild[expression](
		participle.Lexer(filterLexer),
		participle.Unquote("String"),
		participle.Elide("Whitespace"),
		participle.CaseInsensitive("Keyword"),
	)
)

// ParseFilter parses a filter expression into a Filter. An empty expression
// yields an empty Filter.
func ParseFilter(expr string) (Filter, error) {
	if strings.TrimSpace(expr) == "" {
		return Filter{}, nil
	}
	parsed, err := filterParser.ParseString("", expr)
	if err != nil {
		return Filter{}, fmt.Errorf("parse filter: %w", err)
	}
	f := Filter{Where: make([]Condition, 0, len(parsed.Terms))}
	for _, t := range parsed.Terms {
		c := Condition{Field: strings.ToLower(t.Field), Op: t.Op, Value: t.Value}
		if _, _, err := c.check(); err != nil {
			return Filter{}, fmt.Errorf("parse filter: %w", err)
		}
		f.Where = append(f.Where, c)
	}
	return f, nil
}
