package document

import (
	"errors"
	"testing"

	"collabroom/internal/models"
)

func insert(pos int, text string) models.Operation {
	return models.Operation{Type: models.OpInsert, Position: pos, Text: text}
}

func del(pos, length int) models.Operation {
	return models.Operation{Type: models.OpDelete, Position: pos, Length: length}
}

func TestConcurrentInsertAndDeleteConverge(t *testing.T) {
	s := NewState("ABCD", 0)

	res, err := s.Apply(insert(1, "X"), 0)
	if err != nil {
		t.Fatalf("apply insert: %v", err)
	}
	if s.Content() != "AXBCD" || res.Revision != 1 {
		t.Fatalf("expected AXBCD@1, got %q@%d", s.Content(), res.Revision)
	}

	res, err = s.Apply(del(2, 1), 0)
	if err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	if res.Op != del(3, 1) {
		t.Fatalf("expected transformed delete{3,1}, got %#v", res.Op)
	}
	if !res.Transformed {
		t.Fatalf("expected delete to be marked as transformed")
	}
	if s.Content() != "AXBD" || s.Revision() != 2 {
		t.Fatalf("expected AXBD@2, got %q@%d", s.Content(), s.Revision())
	}
}

func TestApplyAtCurrentRevisionIsDirect(t *testing.T) {
	s := NewState("hello", 0)
	res, err := s.Apply(insert(5, " world"), 0)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Transformed || res.Clamped {
		t.Fatalf("expected direct apply, got %#v", res)
	}
	if s.Content() != "hello world" {
		t.Fatalf("unexpected content %q", s.Content())
	}
}

func TestRevisionAheadIsRejected(t *testing.T) {
	s := NewState("abc", 0)
	res, err := s.Apply(insert(0, "z"), 3)
	if !errors.Is(err, ErrRevisionAhead) {
		t.Fatalf("expected ErrRevisionAhead, got %v", err)
	}
	if res.Revision != 0 || s.Revision() != 0 || s.Content() != "abc" {
		t.Fatalf("state must be untouched, got %q@%d", s.Content(), s.Revision())
	}
}

func TestTruncatedHistoryIsRejected(t *testing.T) {
	s := NewState("", 2)
	for i := 0; i < 4; i++ {
		if _, err := s.Apply(insert(0, "a"), int64(i)); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	if _, err := s.Apply(insert(0, "b"), 1); !errors.Is(err, ErrHistoryTruncated) {
		t.Fatalf("expected ErrHistoryTruncated, got %v", err)
	}
	// revisions 3 and 4 are still retained
	if _, err := s.Apply(insert(0, "b"), 2); err != nil {
		t.Fatalf("expected origin 2 to be transformable, got %v", err)
	}
}

func TestEmptyOperationsAdvanceRevision(t *testing.T) {
	s := NewState("abc", 0)
	if _, err := s.Apply(insert(1, ""), 0); err != nil {
		t.Fatalf("empty insert: %v", err)
	}
	if _, err := s.Apply(del(1, 0), 1); err != nil {
		t.Fatalf("empty delete: %v", err)
	}
	if s.Revision() != 2 || s.Content() != "abc" {
		t.Fatalf("expected abc@2, got %q@%d", s.Content(), s.Revision())
	}
}

func TestOutOfRangeIsClamped(t *testing.T) {
	s := NewState("abc", 0)

	res, err := s.Apply(insert(10, "!"), 0)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Clamped || res.Op.Position != 3 || s.Content() != "abc!" {
		t.Fatalf("expected clamped append, got %#v content %q", res, s.Content())
	}

	res, err = s.Apply(del(2, 50), 1)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Clamped || res.Op.Length != 2 || s.Content() != "ab" {
		t.Fatalf("expected clamped delete, got %#v content %q", res, s.Content())
	}

	res, err = s.Apply(del(-1, 2), 2)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Clamped || res.Op != del(0, 1) || s.Content() != "b" {
		t.Fatalf("expected negative position clamped, got %#v content %q", res, s.Content())
	}
}

func TestUnknownOperationType(t *testing.T) {
	s := NewState("abc", 0)
	_, err := s.Apply(models.Operation{Type: "replace"}, 0)
	if !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
	if s.Revision() != 0 {
		t.Fatalf("invalid op must not advance revision")
	}
}

func TestOffsetsCountCodePoints(t *testing.T) {
	s := NewState("héllo", 0)
	if _, err := s.Apply(del(1, 1), 0); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if s.Content() != "hllo" {
		t.Fatalf("expected multi-byte rune removed, got %q", s.Content())
	}
}

func TestRevisionIsMonotonic(t *testing.T) {
	s := NewState("", 8)
	last := s.Revision()
	ops := []models.Operation{insert(0, "abc"), del(1, 1), insert(99, "z"), del(0, 0), insert(1, "")}
	for i, op := range ops {
		res, err := s.Apply(op, last)
		if err != nil {
			t.Fatalf("op %d: %v", i, err)
		}
		if res.Revision != last+1 {
			t.Fatalf("op %d: expected revision %d, got %d", i, last+1, res.Revision)
		}
		last = res.Revision
	}
}

func TestSnapshot(t *testing.T) {
	s := NewState("seed", 0)
	snap := s.Snapshot()
	if snap.Content != "seed" || snap.Revision != 0 || snap.LastModified.IsZero() {
		t.Fatalf("unexpected snapshot %#v", snap)
	}
}

func TestResumedStateKeepsRevision(t *testing.T) {
	s := NewStateAt("hello", 7, 0)
	if s.Revision() != 7 || s.Content() != "hello" {
		t.Fatalf("expected hello@7, got %q@%d", s.Content(), s.Revision())
	}

	if _, err := s.Apply(insert(0, "x"), 3); !errors.Is(err, ErrHistoryTruncated) {
		t.Fatalf("expected older origin to need a resync, got %v", err)
	}
	res, err := s.Apply(insert(5, "!"), 7)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Revision != 8 || s.Content() != "hello!" {
		t.Fatalf("expected hello!@8, got %q@%d", s.Content(), res.Revision)
	}
}
