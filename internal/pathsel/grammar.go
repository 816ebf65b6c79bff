package pathsel

import (
	"strings"

	"mixminion.io/client/internal/errs"
)

// ParsedPath is a path string broken into the pieces this component
// names: the entries before and after the randomize-here wildcard,
// and the position (if any) of the leg-separating colon within the
// concatenated (wildcard-free) entry list.
type ParsedPath struct {
	EnterPath   []string
	ExitPath    []string
	HasWildcard bool
	// ColonPos is the index into the concatenated EnterPath+ExitPath
	// list where a colon separator fell (i.e. the colon sits between
	// entry ColonPos-1 and entry ColonPos), or -1 if the path string
	// had none.
	ColonPos int
}

// ParsePathString parses a path specification: comma-separated
// entries, each a nickname, a descriptor filename, or the literal "*"
// wildcard (at most one), with at most one entry separator replaced
// by a colon instead of a comma. An empty string is equivalent to "*".
func ParsePathString(s string) (ParsedPath, error) {
	const op = "pathsel.ParsePathString"

	if strings.TrimSpace(s) == "" {
		return ParsedPath{HasWildcard: true, ColonPos: -1}, nil
	}

	entries, colonPos, err := tokenize(s)
	if err != nil {
		return ParsedPath{}, errs.E(op, errs.Usage, err)
	}

	wildcardAt := -1
	for i, e := range entries {
		if e == "*" {
			if wildcardAt != -1 {
				return ParsedPath{}, errs.E(op, errs.Usage, errs.Str("path string has more than one * wildcard"))
			}
			wildcardAt = i
		}
	}

	var p ParsedPath
	if wildcardAt == -1 {
		p.EnterPath = entries
		p.ExitPath = nil
		p.HasWildcard = false
		p.ColonPos = colonPos
		return p, nil
	}

	p.HasWildcard = true
	p.EnterPath = append([]string{}, entries[:wildcardAt]...)
	p.ExitPath = append([]string{}, entries[wildcardAt+1:]...)
	switch {
	case colonPos < 0:
		p.ColonPos = -1
	case colonPos <= wildcardAt:
		p.ColonPos = colonPos
	default:
		p.ColonPos = colonPos - 1
	}
	return p, nil
}

// tokenize splits s on ',' and ':' boundaries, trimming whitespace
// from each entry, and reports the concatenated-entry index of a
// colon separator (-1 if s contains none, an error if it contains
// more than one).
func tokenize(s string) (entries []string, colonPos int, err error) {
	colonPos = -1
	var cur strings.Builder
	flush := func() {
		entries = append(entries, strings.TrimSpace(cur.String()))
		cur.Reset()
	}
	for _, r := range s {
		switch r {
		case ',':
			flush()
		case ':':
			if colonPos != -1 {
				return nil, -1, errs.Str("path string has more than one : separator")
			}
			flush()
			colonPos = len(entries)
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return entries, colonPos, nil
}
