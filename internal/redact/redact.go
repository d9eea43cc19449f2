package redact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"regexp/syntax"
	"sort"
	"strings"
	"unicode/utf8"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
)

type regexRule struct {
	rule int
	re   *regexp.Regexp
}

// Redactor is a compiled rule set. It is immutable and safe for concurrent
// use.
type Redactor struct {
	rules    []Rule
	regexes  []regexRule
	trie     *ahocorasick.Trie
	literals []int // trie pattern index -> rule index
	warnings []string
}

// Compile builds a Redactor from cfg. Disabled rules are ignored. An invalid
// rule is skipped with a warning, or fails with ErrBlocked when cfg.OnError
// is block_request.
func Compile(cfg Config) (*Redactor, error) {
	r := &Redactor{rules: cfg.Rules}

	var patterns []string
	seen := make(map[string]bool)
	for i, rule := range cfg.Rules {
		if !rule.Enabled {
			continue
		}
		var problem string
		switch rule.MatchMethod {
		case MatchRegex:
			if rule.Pattern == "" {
				problem = "empty pattern"
				break
			}
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				problem = "invalid regular expression"
				var serr *syntax.Error
				if errors.As(err, &serr) {
					problem += ": " + string(serr.Code)
				}
				break
			}
			r.regexes = append(r.regexes, regexRule{rule: i, re: re})
		case MatchString:
			if rule.Pattern == "" {
				problem = "empty pattern"
				break
			}
			// The lowest rule index owns a duplicated literal.
			if seen[rule.Pattern] {
				continue
			}
			seen[rule.Pattern] = true
			patterns = append(patterns, rule.Pattern)
			r.literals = append(r.literals, i)
		default:
			problem = fmt.Sprintf("unknown match method %q", rule.MatchMethod)
		}
		if problem == "" {
			continue
		}
		if cfg.OnError == BlockRequest {
			return nil, fmt.Errorf("%w: %s: %s", ErrBlocked, rule.Label(i), problem)
		}
		r.warnings = append(r.warnings, fmt.Sprintf("%s skipped: %s", rule.Label(i), problem))
	}
	if len(patterns) > 0 {
		r.trie = ahocorasick.NewTrieBuilder().AddStrings(patterns).Build()
	}
	return r, nil
}

// Warnings lists the rules skipped at compile time.
func (r *Redactor) Warnings() []string { return r.warnings }

// Empty reports whether no rule is active.
func (r *Redactor) Empty() bool { return len(r.regexes) == 0 && r.trie == nil }

// Stats summarises one Redact call. Counts are keyed by rule label; the
// matched text itself is never retained.
type Stats struct {
	Replacements int            `json:"replacements"`
	PerRule      map[string]int `json:"perRule,omitempty"`
	Warnings     []string       `json:"warnings,omitempty"`
}

func (s *Stats) add(label string, n int) {
	if n == 0 {
		return
	}
	if s.PerRule == nil {
		s.PerRule = make(map[string]int)
	}
	s.PerRule[label] += n
	s.Replacements += n
}

type span struct {
	start, end int // byte offsets
	rule       int
}

// Redact masks every match inside the JSON string values of body. Keys,
// numbers and literals are untouched and the document keeps its layout. A
// body that is not JSON is treated as one string.
func (r *Redactor) Redact(body []byte) ([]byte, Stats) {
	st := Stats{Warnings: r.warnings}
	if r.Empty() || len(body) == 0 {
		return body, st
	}
	if !json.Valid(body) {
		out, counts := r.maskString(string(body))
		r.collect(&st, counts)
		return []byte(out), st
	}

	var (
		out    bytes.Buffer
		copied int
	)
	forEachValueString(body, func(start, end int) {
		var s string
		if err := json.Unmarshal(body[start:end], &s); err != nil {
			return
		}
		masked, counts := r.maskString(s)
		if len(counts) == 0 {
			return
		}
		r.collect(&st, counts)
		out.Write(body[copied:start])
		out.Write(encodeString(masked))
		copied = end
	})
	if copied == 0 {
		return body, st
	}
	out.Write(body[copied:])
	return out.Bytes(), st
}

func (r *Redactor) collect(st *Stats, counts map[int]int) {
	for idx, n := range counts {
		st.add(r.rules[idx].Label(idx), n)
	}
}

// maskString selects non-overlapping matches, ordered by start ascending,
// then length descending, then rule index, and replaces each with one '*'
// per character.
func (r *Redactor) maskString(s string) (string, map[int]int) {
	var spans []span
	for _, rr := range r.regexes {
		for _, loc := range rr.re.FindAllStringIndex(s, -1) {
			if loc[1] > loc[0] {
				spans = append(spans, span{start: loc[0], end: loc[1], rule: rr.rule})
			}
		}
	}
	if r.trie != nil {
		for _, m := range r.trie.MatchString(s) {
			start := int(m.Pos())
			spans = append(spans, span{
				start: start,
				end:   start + len(m.MatchString()),
				rule:  r.literals[m.Pattern()],
			})
		}
	}
	if len(spans) == 0 {
		return s, nil
	}

	sort.Slice(spans, func(i, j int) bool {
		a, b := spans[i], spans[j]
		if a.start != b.start {
			return a.start < b.start
		}
		if la, lb := a.end-a.start, b.end-b.start; la != lb {
			return la > lb
		}
		return a.rule < b.rule
	})

	counts := make(map[int]int)
	var (
		sb   strings.Builder
		last int
	)
	sb.Grow(len(s))
	for _, sp := range spans {
		if sp.start < last {
			continue
		}
		sb.WriteString(s[last:sp.start])
		sb.WriteString(strings.Repeat("*", utf8.RuneCountInString(s[sp.start:sp.end])))
		last = sp.end
		counts[sp.rule]++
	}
	sb.WriteString(s[last:])
	return sb.String(), counts
}

func encodeString(s string) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// forEachValueString calls fn with the [start, end) byte range (quotes
// included) of every string literal in valid JSON that is not an object
// key.
func forEachValueString(b []byte, fn func(start, end int)) {
	n := len(b)
	for i := 0; i < n; i++ {
		if b[i] != '"' {
			continue
		}
		start := i
		j := i + 1
		for j < n {
			if b[j] == '\\' {
				j += 2
				continue
			}
			if b[j] == '"' {
				break
			}
			j++
		}
		end := j + 1
		k := end
		for k < n && (b[k] == ' ' || b[k] == '\t' || b[k] == '\n' || b[k] == '\r') {
			k++
		}
		if k >= n || b[k] != ':' {
			fn(start, end)
		}
		i = j
	}
}
