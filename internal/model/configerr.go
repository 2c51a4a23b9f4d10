package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

type CueErrorDetail struct {
	Path    string // history.prune.cron
	Code    string // missing_required | unknown_field | type_mismatch | conflicting_values | invalid_enum ...
	Message string // Human text
	Pos     CueErrorPosition
	Raw     string // original message
}

// Attr renders the detail as a slog group, so the cli can log every
// detail as a single structured line.
func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*`)
	reEnum        = regexp.MustCompile(`(?i)must be one of|expected one of`)
)

// CueErrDetails converts an error returned by LoadConfig into a list of
// human readable details. Non CUE errors yield a single detail.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}
	details := humanize(err, schema)
	if len(details) == 0 {
		return []CueErrorDetail{{Code: "validation_error", Message: err.Error(), Raw: err.Error()}}
	}
	return details
}

func humanize(err error, root cue.Value) []CueErrorDetail {
	if err == nil {
		return nil
	}

	seen := make(map[CueErrorPosition]struct{})

	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		raw, args := e.Msg()
		if len(args) > 0 {
			raw = fmt.Sprintf(raw, args...)
		}
		path := normalizePath(e.Path())
		code, msg := classify(raw, path, root)

		pos := position(e)
		if _, ok := seen[pos]; ok && pos.Filename != "" {
			continue
		}

		if code == "invalid_enum" || code == "conflicting_values" {
			field := lookup(root, path)
			values, dflt := enumStrings(field)
			if len(values) > 0 {
				msg += fmt.Sprintf(": possible values (%s)", strings.Join(values, ","))
			}
			if dflt != nil {
				msg += fmt.Sprintf(" (default %s)", *dflt)
			}
		}

		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     pos,
			Raw:     raw,
		})
		seen[pos] = struct{}{}
	}
	return out
}

func enumStrings(v cue.Value) (values []string, def *string) {
	// Get default (if any)
	if d, ok := v.Default(); ok {
		if s, err := d.String(); err == nil {
			ss := s
			def = &ss
		}
	}
	// Detect disjunction
	if op, args := v.Expr(); op == cue.OrOp {
		seen := map[string]struct{}{}
		for _, a := range args {
			if a.Kind() != cue.StringKind {
				continue
			}
			if s, err := a.String(); err == nil {
				if _, ok := seen[s]; !ok {
					seen[s] = struct{}{}
					values = append(values, s)
				}
			}
		}
	} else if v.Kind() == cue.StringKind {
		// Single fixed value
		if s, err := v.String(); err == nil {
			values = append(values, s)
		}
	}
	return
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		pos := CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
		return pos
	}
	var zero CueErrorPosition
	return zero
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	// Remove leading definition (#Config)
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string, root cue.Value) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", last(path))
	case reIncomplete.MatchString(raw):
		// Determine if conditional required + non-empty
		if looksNonEmptyConditional(path, root) {
			return "missing_required", fmt.Sprintf("Field %s is required", last(path))
		}
		return "incomplete", fmt.Sprintf("Field %s is incomplete", last(path))
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("Conflicting values for %s", last(path))
	case reEnum.MatchString(raw):
		return "invalid_enum", fmt.Sprintf("Field %s has invalid value", last(path))
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("Field %s has wrong type/value", last(path))
	default:
		return "validation_error", raw
	}
}

// looksNonEmptyConditional reports whether the schema still knows the
// path, so the incomplete value is a missing field rather than a typo.
func looksNonEmptyConditional(path string, root cue.Value) bool {
	if path == "" {
		return false
	}
	return lookup(root, path).Exists()
}

func lookup(root cue.Value, path string) cue.Value {
	if path == "" {
		return root
	}
	pp := cue.ParsePath(path)
	return root.LookupPath(pp)
}

func last(p string) string {
	if p == "" {
		return p
	}
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
