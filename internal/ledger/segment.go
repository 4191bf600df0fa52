package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/roach88/govledger/internal/txn"
)

const (
	ledgerExt    = ".jsonl"
	indexSuffix  = ".index.json"
	indexVersion = 1
)

// Segment describes one file of a ledger.
type Segment struct {
	File     string `json:"file"`
	Entries  int    `json:"entries"`
	LastHash string `json:"last_hash"`
}

type segmentIndex struct {
	Version  int       `json:"version"`
	Ledger   string    `json:"ledger"`
	Segments []Segment `json:"segments"`
}

func splitPath(path string) (dir, stem string) {
	dir = filepath.Dir(path)
	stem = strings.TrimSuffix(filepath.Base(path), ledgerExt)
	return dir, stem
}

// SegmentPath returns the file holding segment n of the ledger at path.
func SegmentPath(path string, n int) string {
	if n == 0 {
		return path
	}
	dir, stem := splitPath(path)
	return filepath.Join(dir, fmt.Sprintf("%s.%06d%s", stem, n, ledgerExt))
}

// IndexPath returns the segment index file of the ledger at path.
func IndexPath(path string) string {
	dir, stem := splitPath(path)
	return filepath.Join(dir, stem+indexSuffix)
}

// SegmentFiles lists the ledger's segment files in order. The base file is
// listed when it exists or when further segments exist.
func SegmentFiles(path string) ([]string, error) {
	dir, stem := splitPath(path)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	var numbers []int
	baseExists := false
	prefix := stem + "."
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() {
			continue
		}
		if name == stem+ledgerExt {
			baseExists = true
			continue
		}
		mid, ok := strings.CutPrefix(name, prefix)
		if !ok {
			continue
		}
		mid, ok = strings.CutSuffix(mid, ledgerExt)
		if !ok || len(mid) != 6 {
			continue
		}
		n, err := strconv.Atoi(mid)
		if err != nil || n == 0 {
			continue
		}
		numbers = append(numbers, n)
	}
	if !baseExists && len(numbers) == 0 {
		return nil, nil
	}

	sort.Ints(numbers)
	files := []string{path}
	for i, n := range numbers {
		if n != i+1 {
			return nil, fmt.Errorf("segment gap in %s: expected %06d, found %06d", path, i+1, n)
		}
		files = append(files, SegmentPath(path, n))
	}
	return files, nil
}

// rawLine is one non-blank line of a ledger with its position.
type rawLine struct {
	Segment int
	Line    int // 1-based within the segment file
	Index   int // 0-based across the whole ledger
	Data    []byte
}

// scanFile calls fn for every non-blank line of one segment file.
// A missing file scans as empty.
func scanFile(file string, fn func(line int, data []byte) error) error {
	f, err := os.Open(file)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	lineNo := 0
	for {
		data, err := r.ReadBytes('\n')
		if len(data) > 0 {
			lineNo++
			trimmed := bytes.TrimSpace(data)
			if len(trimmed) > 0 {
				if ferr := fn(lineNo, trimmed); ferr != nil {
					return ferr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// scanLedger walks every line of every segment in order.
func scanLedger(files []string, fn func(rawLine) error) error {
	index := 0
	for seg, file := range files {
		err := scanFile(file, func(line int, data []byte) error {
			rl := rawLine{Segment: seg, Line: line, Index: index, Data: data}
			index++
			return fn(rl)
		})
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
	}
	return nil
}

// summarize counts the entries of one segment file and returns its last
// line. tailOK is false when the file does not end in a newline.
func summarize(file string) (count int, last []byte, tailOK bool, err error) {
	err = scanFile(file, func(_ int, data []byte) error {
		count++
		last = data
		return nil
	})
	if err != nil {
		return 0, nil, false, err
	}
	tailOK, err = endsWithNewline(file)
	return count, last, tailOK, err
}

func endsWithNewline(file string) (bool, error) {
	f, err := os.Open(file)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return true, nil
	}
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, info.Size()-1); err != nil {
		return false, err
	}
	return buf[0] == '\n', nil
}

func readIndex(path string) (*segmentIndex, error) {
	data, err := os.ReadFile(IndexPath(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var idx segmentIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		// A damaged index is rebuilt, never trusted.
		return nil, nil
	}
	if idx.Version != indexVersion {
		return nil, nil
	}
	return &idx, nil
}

func writeIndex(path string, sealed []Segment) error {
	idx := segmentIndex{
		Version:  indexVersion,
		Ledger:   filepath.Base(path),
		Segments: sealed,
	}
	if idx.Segments == nil {
		idx.Segments = []Segment{}
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return txn.WriteFileAtomic(IndexPath(path), append(data, '\n'), 0o644)
}

// lastHashOf extracts entry_hash from a line, or "" when it cannot.
func lastHashOf(line []byte) string {
	if len(line) == 0 {
		return ""
	}
	e, err := ParseEntry(line)
	if err != nil {
		return ""
	}
	return e.EntryHash
}

// RebuildIndex rewrites the segment index from the files on disk. With a
// single segment the index is removed.
func RebuildIndex(path string) error {
	files, err := SegmentFiles(path)
	if err != nil {
		return err
	}
	if len(files) <= 1 {
		err := os.Remove(IndexPath(path))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	sealed := make([]Segment, 0, len(files)-1)
	for _, file := range files[:len(files)-1] {
		count, last, _, err := summarize(file)
		if err != nil {
			return fmt.Errorf("rebuild index: %w", err)
		}
		sealed = append(sealed, Segment{File: filepath.Base(file), Entries: count, LastHash: lastHashOf(last)})
	}
	return writeIndex(path, sealed)
}
