// Package numbering allocates human-readable document numbers of the form
// PREFIX-YYYYMM-NNNN. Sequences restart at 1 every calendar month and are
// allocated through a Sequencer that must linearise concurrent callers.
package numbering

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Kind identifies a numbered document family.
type Kind string

const (
	KindQuote   Kind = "DEV"
	KindInvoice Kind = "FAC"
)

// PeriodLayout formats the month scope of a sequence.
const PeriodLayout = "200601"

var (
	// ErrUnavailable is returned when the sequence store cannot allocate.
	ErrUnavailable = errors.New("numbering: sequence store unavailable")
	// ErrMalformed is returned by Parse for strings that are not document numbers.
	ErrMalformed = errors.New("numbering: malformed document number")

	numberPattern = regexp.MustCompile(`^([A-Z]{3})-(\d{6})-(\d{4,})$`)
)

// Sequencer hands out the next value of the (prefix, period) counter. Every
// call must return a value strictly greater than all values returned before
// for the same scope.
type Sequencer interface {
	NextSequence(ctx context.Context, prefix, period string) (int64, error)
}

// Numberer formats sequence values into document numbers.
type Numberer struct {
	clock func() time.Time
}

// New builds a Numberer. A nil clock defaults to time.Now.
func New(clock func() time.Time) *Numberer {
	if clock == nil {
		clock = time.Now
	}
	return &Numberer{clock: clock}
}

// Next allocates a number for kind in the current month.
func (n *Numberer) Next(ctx context.Context, seq Sequencer, kind Kind) (string, error) {
	return n.NextAt(ctx, seq, kind, n.clock())
}

// NextAt allocates a number for kind in the month containing at (UTC).
func (n *Numberer) NextAt(ctx context.Context, seq Sequencer, kind Kind, at time.Time) (string, error) {
	if seq == nil {
		return "", ErrUnavailable
	}
	period := at.UTC().Format(PeriodLayout)
	value, err := seq.NextSequence(ctx, string(kind), period)
	if err != nil {
		return "", fmt.Errorf("numbering: next %s/%s: %w", kind, period, err)
	}
	if value <= 0 {
		return "", fmt.Errorf("numbering: non-positive sequence %d for %s/%s: %w", value, kind, period, ErrUnavailable)
	}
	return Format(kind, period, value), nil
}

// Format renders a document number.
func Format(kind Kind, period string, seq int64) string {
	return fmt.Sprintf("%s-%s-%04d", kind, period, seq)
}

// Number is a parsed document number.
type Number struct {
	Prefix   string
	Period   string
	Sequence int64
}

// Parse splits a document number into its parts.
func Parse(s string) (Number, error) {
	m := numberPattern.FindStringSubmatch(s)
	if m == nil {
		return Number{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	seq, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return Number{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return Number{Prefix: m[1], Period: m[2], Sequence: seq}, nil
}
