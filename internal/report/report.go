// Package report renders holder message templates from pipeline statistics.
//
// Templates use {count} and {domains}. {count:,} is accepted as an alias of
// {count}; both render with thousands separators. {{ and }} are literal braces.
package report

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"keygate/internal/records"
)

// TopN is the number of domains listed in a report.
const TopN = 5

// ErrTemplate is matched by *TemplateError.
var ErrTemplate = errors.New("invalid message template")

// TemplateError points at the offending byte offset in the template.
type TemplateError struct {
	Offset int
	Reason string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("message template: %s at offset %d", e.Reason, e.Offset)
}

func (e *TemplateError) Unwrap() error {
	return ErrTemplate
}

// TopDomains returns up to n domains by descending count. Ties keep the
// input order, which for records.Result is first-seen order.
func TopDomains(domains []records.DomainCount, n int) []records.DomainCount {
	sorted := make([]records.DomainCount, len(domains))
	copy(sorted, domains)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Count > sorted[j].Count
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// FormatDomains renders the numbered domain list substituted for {domains}.
func FormatDomains(top []records.DomainCount) string {
	var b strings.Builder
	for i, d := range top {
		fmt.Fprintf(&b, "  %d. %s: %s\n", i+1, d.Domain, humanize.Comma(int64(d.Count)))
	}
	return b.String()
}

// Render substitutes count and the domain list into tmpl.
func Render(tmpl string, count int, top []records.DomainCount) (string, error) {
	values := map[string]string{
		"count":   humanize.Comma(int64(count)),
		"domains": FormatDomains(top),
	}
	return expand(tmpl, values)
}

// Validate parses tmpl without rendering it.
func Validate(tmpl string) error {
	_, err := expand(tmpl, map[string]string{"count": "", "domains": ""})
	return err
}

func expand(tmpl string, values map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); i++ {
		switch c := tmpl[i]; c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexAny(tmpl[i+1:], "{}")
			if end < 0 || tmpl[i+1+end] == '{' {
				return "", &TemplateError{Offset: i, Reason: "unclosed placeholder"}
			}
			name := tmpl[i+1 : i+1+end]
			v, ok := values[placeholderName(name)]
			if !ok {
				return "", &TemplateError{Offset: i, Reason: fmt.Sprintf("unknown placeholder {%s}", name)}
			}
			b.WriteString(v)
			i += end + 1
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", &TemplateError{Offset: i, Reason: "single '}'"}
		default:
			b.WriteByte(c)
		}
	}

	return b.String(), nil
}

// placeholderName maps accepted spellings to their value key.
func placeholderName(name string) string {
	if name == "count:," {
		return "count"
	}
	return name
}
