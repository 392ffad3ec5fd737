// Package exclude compiles exclude rules and matches snapshot paths
// against them.
package exclude

import (
	"fmt"
	"regexp"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"chirri/internal/storage"
)

// rule is one compiled, enabled exclude rule.
type rule struct {
	id         int64
	literal    string
	ignoreCase bool
	re         *regexp.Regexp
	gitignore  *ignore.GitIgnore
}

func (r *rule) matches(path string, isDir bool) bool {
	switch {
	case r.re != nil:
		return r.re.MatchString(path)
	case r.gitignore != nil:
		checkPath := path
		if r.ignoreCase {
			checkPath = strings.ToLower(checkPath)
		}
		if isDir {
			checkPath += "/"
		}
		return r.gitignore.MatchesPath(checkPath)
	case r.ignoreCase:
		return strings.EqualFold(path, r.literal)
	default:
		return path == r.literal
	}
}

// Matcher evaluates root-relative slash paths against the enabled rules.
type Matcher struct {
	rules []rule
}

// Compile builds a matcher from the stored rules. Disabled rules are
// skipped; an invalid enabled rule is an error.
func Compile(excludes []storage.ExcludeModel) (*Matcher, error) {
	m := &Matcher{}
	for _, x := range excludes {
		if x.Disabled {
			continue
		}
		r, err := compileRule(x)
		if err != nil {
			return nil, err
		}
		m.rules = append(m.rules, r)
	}
	return m, nil
}

// Validate reports whether a rule would compile.
func Validate(x storage.ExcludeModel) error {
	_, err := compileRule(x)
	return err
}

func compileRule(x storage.ExcludeModel) (rule, error) {
	r := rule{id: x.ID, ignoreCase: x.IgnoreCase}
	if x.Pattern == "" {
		return r, fmt.Errorf("exclude %d: empty pattern", x.ID)
	}
	var expr string
	switch x.ExprType {
	case storage.ExcludeLiteral:
		r.literal = x.Pattern
		return r, nil
	case storage.ExcludeWildcard:
		expr = WildcardToRegex(x.Pattern)
	case storage.ExcludeRegex:
		expr = x.Pattern
	case storage.ExcludeGitignore:
		pattern := x.Pattern
		if x.IgnoreCase {
			pattern = strings.ToLower(pattern)
		}
		r.gitignore = ignore.CompileIgnoreLines(pattern)
		return r, nil
	default:
		return r, fmt.Errorf("exclude %d: unknown expression type %d", x.ID, x.ExprType)
	}
	if x.IgnoreCase {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return r, fmt.Errorf("exclude %d: %w", x.ID, err)
	}
	r.re = re
	return r, nil
}

// Match returns the id of the first rule matching path.
func (m *Matcher) Match(path string, isDir bool) (int64, bool) {
	if m == nil {
		return 0, false
	}
	for i := range m.rules {
		if m.rules[i].matches(path, isDir) {
			return m.rules[i].id, true
		}
	}
	return 0, false
}

// Len returns the number of enabled rules.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rules)
}

// WildcardToRegex translates a shell wildcard into a regular expression
// that matches a whole path suffix. A leading "/" anchors the pattern at
// the backup root; otherwise it may match after any "/". As in shell
// globbing over full paths, "*" also crosses directory separators.
func WildcardToRegex(pattern string) string {
	anchored := strings.HasPrefix(pattern, "/")
	if anchored {
		pattern = pattern[1:]
	}

	var b strings.Builder
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			j := i + 1
			if j < len(runes) && runes[j] == '!' {
				j++
			}
			if j < len(runes) && runes[j] == ']' {
				j++
			}
			for j < len(runes) && runes[j] != ']' {
				j++
			}
			if j >= len(runes) {
				b.WriteString(`\[`)
				continue
			}
			class := string(runes[i+1 : j])
			class = strings.ReplaceAll(class, `\`, `\\`)
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			} else if strings.HasPrefix(class, "^") {
				class = `\` + class
			}
			b.WriteString("[" + class + "]")
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}

	if anchored {
		return `(?s)\A` + b.String() + `\z`
	}
	return `(?s)(?:\A|/)` + b.String() + `\z`
}
