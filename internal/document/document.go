package document

import (
	"errors"
	"time"

	"collabroom/internal/models"
)

var (
	ErrRevisionAhead    = errors.New("origin revision is ahead of the document")
	ErrHistoryTruncated = errors.New("origin revision is older than the retained history")
	ErrInvalidOperation = errors.New("invalid operation")
)

const DefaultHistoryLimit = 256

type entry struct {
	revision int64
	op       models.Operation
}

// State is the authoritative text of one room. It is not safe for concurrent
// use; the owning room serializes every call.
type State struct {
	content  []rune
	revision int64
	history  []entry
	limit    int
	modified time.Time
	now      func() time.Time
}

// Result describes an accepted change.
type Result struct {
	Op          models.Operation
	Revision    int64
	Transformed bool
	Clamped     bool
}

type Snapshot struct {
	Content      string
	Revision     int64
	LastModified time.Time
}

func NewState(seed string, historyLimit int) *State {
	return NewStateAt(seed, 0, historyLimit)
}

// NewStateAt resumes a document stored at revision. Clients holding an older
// revision are resynchronized since no history survives the reload.
func NewStateAt(seed string, revision int64, historyLimit int) *State {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if revision < 0 {
		revision = 0
	}
	s := &State{
		content:  []rune(seed),
		revision: revision,
		limit:    historyLimit,
		now:      time.Now,
	}
	s.modified = s.now()
	return s
}

func (s *State) Content() string { return string(s.content) }

func (s *State) Revision() int64 { return s.revision }

func (s *State) Len() int { return len(s.content) }

func (s *State) Snapshot() Snapshot {
	return Snapshot{Content: string(s.content), Revision: s.revision, LastModified: s.modified}
}

// Apply reconciles op, authored against origin, with the current revision and
// applies it. On ErrRevisionAhead or ErrHistoryTruncated nothing changes and
// the caller should resynchronize the author.
func (s *State) Apply(op models.Operation, origin int64) (Result, error) {
	op, err := normalize(op)
	if err != nil {
		return Result{Revision: s.revision}, err
	}

	res := Result{}
	switch {
	case origin > s.revision:
		return Result{Revision: s.revision}, ErrRevisionAhead
	case origin < s.revision:
		since, ok := s.since(origin)
		if !ok {
			return Result{Revision: s.revision}, ErrHistoryTruncated
		}
		op = Transform(op, since)
		res.Transformed = true
	}

	op, res.Clamped = Clamp(op, len(s.content))
	s.apply(op)
	s.revision++
	s.record(op)
	s.modified = s.now()

	res.Op = op
	res.Revision = s.revision
	return res, nil
}

func normalize(op models.Operation) (models.Operation, error) {
	switch op.Type {
	case models.OpInsert:
		op.Length = 0
	case models.OpDelete:
		op.Text = ""
	default:
		return op, ErrInvalidOperation
	}
	return op, nil
}

// since returns the accepted operations with revisions origin+1 through the
// current revision, or false when part of that range has been discarded.
func (s *State) since(origin int64) ([]models.Operation, bool) {
	if len(s.history) == 0 || s.history[0].revision > origin+1 {
		return nil, false
	}
	start := int(origin + 1 - s.history[0].revision)
	ops := make([]models.Operation, 0, len(s.history)-start)
	for _, e := range s.history[start:] {
		ops = append(ops, e.op)
	}
	return ops, true
}

func (s *State) apply(op models.Operation) {
	p := op.Position
	switch op.Type {
	case models.OpInsert:
		if op.Text == "" {
			return
		}
		ins := []rune(op.Text)
		out := make([]rune, 0, len(s.content)+len(ins))
		out = append(out, s.content[:p]...)
		out = append(out, ins...)
		out = append(out, s.content[p:]...)
		s.content = out
	case models.OpDelete:
		if op.Length == 0 {
			return
		}
		s.content = append(s.content[:p], s.content[p+op.Length:]...)
	}
}

func (s *State) record(op models.Operation) {
	s.history = append(s.history, entry{revision: s.revision, op: op})
	if over := len(s.history) - s.limit; over > 0 {
		kept := make([]entry, s.limit)
		copy(kept, s.history[over:])
		s.history = kept
	}
}
