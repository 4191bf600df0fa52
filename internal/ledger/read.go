package ledger

import (
	"errors"
	"iter"
)

var errStop = errors.New("stop")

func (l *Ledger) files() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	files := make([]string, len(l.segments))
	for i := range l.segments {
		files[i] = SegmentPath(l.path, i)
	}
	return files
}

// All returns an ordered sequence over every entry. Each call rescans the
// files, so the sequence is restartable. Iteration stops after the first
// error, which is yielded with a zero Entry.
func (l *Ledger) All() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		files := l.files()
		err := scanLedger(files, func(rl rawLine) error {
			e, err := ParseEntry(rl.Data)
			if err != nil {
				ie := &IntegrityError{Code: CodeMalformed, Path: files[rl.Segment], Index: rl.Index, Message: err.Error()}
				yield(Entry{}, ie)
				return errStop
			}
			if !yield(e, nil) {
				return errStop
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStop) {
			yield(Entry{}, err)
		}
	}
}

// ReadAll returns every entry in order.
func (l *Ledger) ReadAll() ([]Entry, error) {
	return l.collect(func(int, Entry) bool { return true })
}

// ReadByEventType returns the entries of one event type, in order.
func (l *Ledger) ReadByEventType(t EventType) ([]Entry, error) {
	return l.collect(func(_ int, e Entry) bool { return e.EventType == t })
}

// ReadRange returns entries with index in [from, to).
func (l *Ledger) ReadRange(from, to int) ([]Entry, error) {
	return l.collect(func(i int, _ Entry) bool { return i >= from && i < to })
}

// FindByID returns the entry with the given id.
func (l *Ledger) FindByID(id string) (Entry, bool, error) {
	for e, err := range l.All() {
		if err != nil {
			return Entry{}, false, err
		}
		if e.ID == id {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// Last returns the most recent entry matching keep, scanning the whole ledger.
func (l *Ledger) Last(keep func(Entry) bool) (Entry, bool, error) {
	var (
		found Entry
		ok    bool
	)
	for e, err := range l.All() {
		if err != nil {
			return Entry{}, false, err
		}
		if keep(e) {
			found, ok = e, true
		}
	}
	return found, ok, nil
}

func (l *Ledger) collect(keep func(int, Entry) bool) ([]Entry, error) {
	var out []Entry
	i := 0
	for e, err := range l.All() {
		if err != nil {
			return out, err
		}
		if keep(i, e) {
			out = append(out, e)
		}
		i++
	}
	return out, nil
}
