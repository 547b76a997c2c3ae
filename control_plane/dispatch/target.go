package dispatch

import (
	"path"
	"strings"

	"github.com/itskum47/FleetForge/control_plane/resilience"
)

// TargetKind tells a single node id from a wildcard pattern.
type TargetKind int

const (
	TargetLiteral TargetKind = iota
	TargetPattern
)

func (k TargetKind) String() string {
	if k == TargetPattern {
		return "pattern"
	}
	return "literal"
}

// wildcardMarkers are the glob characters that make an expression a pattern.
const wildcardMarkers = "*?["

// Target is a parsed target expression.
type Target struct {
	Expr string
	Kind TargetKind
}

// ParseTarget classifies expr. Anything with a glob marker is a pattern.
func ParseTarget(expr string) (Target, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Target{}, resilience.New(resilience.KindValidation, "dispatch.parse_target", "empty target expression")
	}
	if strings.ContainsAny(expr, wildcardMarkers) {
		if _, err := path.Match(expr, ""); err != nil {
			return Target{}, resilience.Wrap(resilience.KindValidation, "dispatch.parse_target", err)
		}
		return Target{Expr: expr, Kind: TargetPattern}, nil
	}
	return Target{Expr: expr, Kind: TargetLiteral}, nil
}

// Matches reports whether node id is selected by t.
func (t Target) Matches(id string) bool {
	if t.Kind == TargetLiteral {
		return t.Expr == id
	}
	ok, _ := path.Match(t.Expr, id)
	return ok
}

// Select returns the ids selected by t, preserving order.
func (t Target) Select(ids []string) []string {
	var out []string
	for _, id := range ids {
		if t.Matches(id) {
			out = append(out, id)
		}
	}
	return out
}
