package router

import "strings"

type segmentKind int

const (
	segLiteral segmentKind = iota
	segParam
	segWildcard
	segTail
)

// segment is one compiled path segment of a route pattern.
type segment struct {
	kind  segmentKind
	value string // literal text or parameter name
}

// compilePattern splits a pattern into compiled segments and reports
// whether the pattern is dynamic. A ":name" segment captures the
// corresponding path segment under "name". A "*" in the middle of a
// pattern matches any single segment; a trailing "*" spans the rest
// of the path. Wildcard spans are never captured.
func compilePattern(pattern string) (segments []segment, dynamic bool) {
	parts := splitPath(pattern)
	segments = make([]segment, 0, len(parts))

	for i, part := range parts {
		switch {
		case part == "*" && i == len(parts)-1:
			segments = append(segments, segment{kind: segTail})
			dynamic = true
		case part == "*":
			segments = append(segments, segment{kind: segWildcard})
			dynamic = true
		case strings.HasPrefix(part, ":"):
			segments = append(segments, segment{
				kind:  segParam,
				value: part[1:],
			})
			dynamic = true
		default:
			segments = append(segments, segment{
				kind:  segLiteral,
				value: part,
			})
		}
	}

	return segments, dynamic
}

// matchSegments matches path parts against compiled segments and
// returns the captured parameters. Without a trailing span, segment
// counts must be equal; a trailing span absorbs the remainder.
func matchSegments(segments []segment, parts []string) (map[string]string, bool) {
	tail := len(segments) > 0 && segments[len(segments)-1].kind == segTail

	if tail {
		if len(parts) < len(segments)-1 {
			return nil, false
		}
	} else if len(segments) != len(parts) {
		return nil, false
	}

	var params map[string]string
	for i, seg := range segments {
		switch seg.kind {
		case segLiteral:
			if seg.value != parts[i] {
				return nil, false
			}
		case segParam:
			if params == nil {
				params = make(map[string]string)
			}
			params[seg.value] = parts[i]
		case segWildcard:
			// Matches any single segment, captures nothing.
		case segTail:
			// Spans all remaining segments, captures nothing.
		}
	}

	return params, true
}

// splitPath splits a slash-separated path into segments, ignoring
// leading and trailing slashes. "/" yields an empty slice.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
