package render

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// TeX delimiters understood by MathJax. Display forms come first so that
// "$$" is never read as two empty inline segments.
var mathPattern = regexp.MustCompile(`(?s)\$\$.+?\$\$|\\\[.+?\\\]|\\\(.+?\\\)|\$[^\s$](?:[^$\n]*[^\s$])?\$`)

const mathPlaceholderPrefix = "KNOWHOWMATH"

// protectMath swaps every math segment for an alphanumeric placeholder so
// markdown emphasis and escaping rules cannot touch TeX source.
func protectMath(source string) (string, []string) {
	var segments []string
	protected := mathPattern.ReplaceAllStringFunc(source, func(segment string) string {
		segments = append(segments, segment)
		return placeholder(len(segments) - 1)
	})
	return protected, segments
}

func restoreMath(rendered string, segments []string) string {
	if len(segments) == 0 {
		return rendered
	}
	pairs := make([]string, 0, len(segments)*2)
	for i := range segments {
		pairs = append(pairs, placeholder(i), html.EscapeString(segments[i]))
	}
	return strings.NewReplacer(pairs...).Replace(rendered)
}

// The trailing X keeps placeholder 1 from matching the start of placeholder 10.
func placeholder(index int) string {
	return fmt.Sprintf("%s%dX", mathPlaceholderPrefix, index)
}
