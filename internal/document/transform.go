package document

import (
	"unicode/utf8"

	"collabroom/internal/models"
)

// Transform moves op forward across prior, the operations accepted since the
// revision op was authored against, oldest first.
//
// An insert at the same position as a prior insert lands after it. A delete
// whose range contains a concurrent insert grows to cover the inserted text.
// Ranges that overlap a prior delete shrink to the text that survived it.
func Transform(op models.Operation, prior []models.Operation) models.Operation {
	for _, p := range prior {
		op = transformOne(op, p)
	}
	return op
}

func transformOne(op, prior models.Operation) models.Operation {
	switch prior.Type {
	case models.OpInsert:
		n := utf8.RuneCountInString(prior.Text)
		if n == 0 {
			return op
		}
		if op.Type == models.OpInsert {
			if prior.Position <= op.Position {
				op.Position += n
			}
			return op
		}
		end := op.Position + op.Length
		switch {
		case prior.Position <= op.Position:
			op.Position += n
		case prior.Position < end:
			op.Length += n
		}

	case models.OpDelete:
		if prior.Length <= 0 {
			return op
		}
		ds, de := prior.Position, prior.Position+prior.Length
		if op.Type == models.OpInsert {
			op.Position -= overlap(ds, de, 0, op.Position)
			return op
		}
		end := op.Position + op.Length
		start := op.Position - overlap(ds, de, 0, op.Position)
		end -= overlap(ds, de, 0, end)
		op.Position, op.Length = start, end-start
	}
	return op
}

// overlap returns the length of the intersection of [a, b) and [c, d).
func overlap(a, b, c, d int) int {
	n := min(b, d) - max(a, c)
	if n < 0 {
		return 0
	}
	return n
}

// Clamp restricts op to a document of n code points and reports whether
// anything had to change.
func Clamp(op models.Operation, n int) (models.Operation, bool) {
	clamped := false
	bound := func(v, lo, hi int) int {
		if v < lo {
			clamped = true
			return lo
		}
		if v > hi {
			clamped = true
			return hi
		}
		return v
	}

	if op.Type == models.OpInsert {
		op.Position = bound(op.Position, 0, n)
		return op, clamped
	}

	if op.Length < 0 {
		clamped = true
		op.Length = 0
	}
	start := bound(op.Position, 0, n)
	end := bound(op.Position+op.Length, start, n)
	op.Position, op.Length = start, end-start
	return op, clamped
}
