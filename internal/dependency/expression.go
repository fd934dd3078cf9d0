// Package dependency models the Slurm dependency mini-language ("afterok:1:2,afterany:3").
//
// An Expression is an ordered conjunction of clauses; each clause is a condition type followed by
// an ordered list of job identifiers. Condition types are opaque tokens interpreted only by Slurm.
// The "any-of" separator ("?") is not supported and is rejected by Parse.
package dependency

import (
	"strings"

	"github.com/G-Research/slurmbatch/internal/common/batcherrors"
)

const (
	clauseSeparator = ","
	idSeparator     = ":"
	anyOfSeparator  = "?"

	AfterAny   = "afterany"
	AfterOk    = "afterok"
	AfterNotOk = "afternotok"
)

// Identifier is a job id inside a clause. Ids start out unresolved (a pseudo id, or a real id that
// is not known to this run) and become resolved when substituted with a real allocation id.
type Identifier struct {
	Value    string
	Resolved bool
}

func Pseudo(value string) Identifier {
	return Identifier{Value: value}
}

func Real(value string) Identifier {
	return Identifier{Value: value, Resolved: true}
}

type Clause struct {
	CondType string
	Ids      []Identifier
}

func (c Clause) String() string {
	var sb strings.Builder
	sb.WriteString(c.CondType)
	for _, id := range c.Ids {
		sb.WriteString(idSeparator)
		sb.WriteString(id.Value)
	}
	return sb.String()
}

// Expression is an ordered set of clauses, all of which must be satisfied.
// The zero value is the empty expression.
type Expression struct {
	Clauses []Clause
}

// Mapping resolves an id to its replacement.
type Mapping interface {
	Lookup(id string) (string, bool)
}

// MapOf is a Mapping backed by a plain map.
type MapOf map[string]string

func (m MapOf) Lookup(id string) (string, bool) {
	v, ok := m[id]
	return v, ok
}

// Parse converts the wire form of a dependency into an Expression.
// The empty string parses to the empty expression.
func Parse(text string) (Expression, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Expression{}, nil
	}
	if strings.Contains(trimmed, anyOfSeparator) {
		return Expression{}, &batcherrors.ErrUnsupportedDelimiter{Text: text, Delimiter: anyOfSeparator}
	}
	rawClauses := strings.Split(trimmed, clauseSeparator)
	clauses := make([]Clause, 0, len(rawClauses))
	for _, rawClause := range rawClauses {
		tokens := strings.Split(rawClause, idSeparator)
		if tokens[0] == "" {
			return Expression{}, &batcherrors.ErrParse{Text: text, Message: "empty condition type"}
		}
		clause := Clause{CondType: tokens[0], Ids: make([]Identifier, 0, len(tokens)-1)}
		for _, token := range tokens[1:] {
			if token == "" {
				return Expression{}, &batcherrors.ErrParse{Text: text, Message: "empty job id in clause " + rawClause}
			}
			clause.Ids = append(clause.Ids, Pseudo(token))
		}
		clauses = append(clauses, clause)
	}
	return Expression{Clauses: clauses}, nil
}

// MustParse is like Parse but panics on malformed input. Intended for constants and tests.
func MustParse(text string) Expression {
	expr, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return expr
}

// Render returns the wire form of expr; it is the inverse of Parse.
func Render(expr Expression) string {
	return expr.String()
}

func (e Expression) String() string {
	rendered := make([]string, len(e.Clauses))
	for i, c := range e.Clauses {
		rendered[i] = c.String()
	}
	return strings.Join(rendered, clauseSeparator)
}

func (e Expression) IsEmpty() bool {
	return len(e.Clauses) == 0
}

// Substitute returns a copy of e in which every id known to m is replaced by its mapped value.
// Ids unknown to m are left untouched. Clause order and condition types are preserved.
func Substitute(e Expression, m Mapping) Expression {
	clauses := make([]Clause, len(e.Clauses))
	for i, c := range e.Clauses {
		ids := make([]Identifier, len(c.Ids))
		for j, id := range c.Ids {
			if replacement, ok := m.Lookup(id.Value); ok {
				ids[j] = Real(replacement)
			} else {
				ids[j] = id
			}
		}
		clauses[i] = Clause{CondType: c.CondType, Ids: ids}
	}
	return Expression{Clauses: clauses}
}

// References returns true if any clause of e names id.
func (e Expression) References(id string) bool {
	for _, c := range e.Clauses {
		for _, candidate := range c.Ids {
			if candidate.Value == id {
				return true
			}
		}
	}
	return false
}

// Union concatenates the clauses of exprs, skipping empty expressions and expressions whose
// rendered form has already been included.
func Union(exprs ...Expression) Expression {
	seen := map[string]bool{}
	var clauses []Clause
	for _, expr := range exprs {
		if expr.IsEmpty() {
			continue
		}
		key := expr.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		clauses = append(clauses, expr.Clauses...)
	}
	return Expression{Clauses: clauses}
}

// After returns a single-clause expression of the given condition type on already resolved ids.
func After(condType string, ids ...string) Expression {
	clause := Clause{CondType: condType, Ids: make([]Identifier, len(ids))}
	for i, id := range ids {
		clause.Ids[i] = Real(id)
	}
	return Expression{Clauses: []Clause{clause}}
}
