package watcher

import "regexp"

// LineRule binds a compiled pattern to the handler invoked with its
// submatches (groups[0] is the whole match, as with FindStringSubmatch).
type LineRule struct {
	Pattern *regexp.Regexp
	Handle  func(groups []string)
}

// LineParser turns unstructured log text into handler calls. A watcher that
// consumes log lines composes a LineParser in rather than inheriting the
// capability: rules are tried in order and the first match wins.
type LineParser struct {
	rules []LineRule
}

// NewLineParser creates a parser over the given rules.
func NewLineParser(rules ...LineRule) *LineParser {
	return &LineParser{rules: rules}
}

// Parse matches line against the rules and invokes the first match's handler
// with the captured groups. Returns whether any rule matched.
func (p *LineParser) Parse(line string) bool {
	for _, rule := range p.rules {
		if groups := rule.Pattern.FindStringSubmatch(line); groups != nil {
			rule.Handle(groups)
			return true
		}
	}
	return false
}
