// Package records filters uploaded text into unique identifier@domain:secret
// lines and counts them per domain.
package records

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// DefaultPattern matches local-part@domain:secret. Group 2 is the domain.
var DefaultPattern = regexp.MustCompile(`^([a-zA-Z0-9._%+-]+)@([a-zA-Z0-9.-]+\.[a-zA-Z]{2,}):.+$`)

// DefaultGroup is the capture group used for aggregation.
const DefaultGroup = 2

// ErrBelowThreshold is matched by *ThresholdError.
var ErrBelowThreshold = errors.New("below minimum record count")

// ThresholdError reports a run with too few unique records. Domains are kept
// so callers can still show what was found.
type ThresholdError struct {
	Count   int
	Min     int
	Domains []DomainCount
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("file has only %d records (minimum required: %d)", e.Count, e.Min)
}

func (e *ThresholdError) Unwrap() error {
	return ErrBelowThreshold
}

// DomainCount is one aggregation bucket.
type DomainCount struct {
	Domain string
	Count  int
}

// Result holds the unique lines in first-seen order and domain counts in
// first-seen order. Counts include duplicate lines.
type Result struct {
	Lines   []string
	Domains []DomainCount
}

// Count returns the number of unique lines.
func (r *Result) Count() int {
	return len(r.Lines)
}

// CheckThreshold returns a *ThresholdError if fewer than min unique lines were found.
func (r *Result) CheckThreshold(min int) error {
	if r.Count() < min {
		return &ThresholdError{Count: r.Count(), Min: min, Domains: r.Domains}
	}
	return nil
}

// WriteTo writes the unique lines separated by newlines.
func (r *Result) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	for i, line := range r.Lines {
		if i > 0 {
			if err := bw.WriteByte('\n'); err != nil {
				return n, err
			}
			n++
		}
		m, err := bw.WriteString(line)
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}

// Cleaner applies a line grammar and a grouping capture.
type Cleaner struct {
	Pattern *regexp.Regexp
	Group   int
}

// NewCleaner returns a Cleaner using DefaultPattern grouped by domain.
func NewCleaner() *Cleaner {
	return &Cleaner{Pattern: DefaultPattern, Group: DefaultGroup}
}

// ctxCheckEvery bounds how many lines are read between cancellation checks.
const ctxCheckEvery = 4096

// Clean streams r line by line. Non-matching lines are dropped silently.
func (c *Cleaner) Clean(ctx context.Context, r io.Reader) (*Result, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	res := &Result{}
	seen := make(map[string]struct{})
	domainIdx := make(map[string]int)

	for n := 0; ; n++ {
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		raw, readErr := br.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return nil, fmt.Errorf("read upload: %w", readErr)
		}

		if line := strings.TrimSpace(strings.ToValidUTF8(raw, "")); line != "" {
			if m := c.Pattern.FindStringSubmatch(line); m != nil {
				if _, dup := seen[line]; !dup {
					seen[line] = struct{}{}
					res.Lines = append(res.Lines, line)
				}

				group := strings.ToLower(m[c.Group])
				if i, ok := domainIdx[group]; ok {
					res.Domains[i].Count++
				} else {
					domainIdx[group] = len(res.Domains)
					res.Domains = append(res.Domains, DomainCount{Domain: group, Count: 1})
				}
			}
		}

		if readErr == io.EOF {
			return res, nil
		}
	}
}
