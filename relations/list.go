// Package relations stores per-account relationship lists (following,
// followers, pending requests, blocks...) as newline-delimited text files.
package relations

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"codeberg.org/gruf/go-mutexes"
	"github.com/natefinch/atomic"
)

var ErrNotFound = errors.New("not found")

// OrderedSet is a persisted list of unique lines.
type OrderedSet interface {
	Load() ([]string, error)
	CommitReplace(lines []string) error
}

// FileList is an OrderedSet backed by one text file. Every write goes
// through a temp file and a rename so readers never see a partial list;
// writers on the same path are serialised through locks.
type FileList struct {
	path  string
	locks *mutexes.MutexMap
}

// NewFileList returns a list at path. A nil locks map gets a private one.
func NewFileList(path string, locks *mutexes.MutexMap) *FileList {
	if locks == nil {
		locks = &mutexes.MutexMap{}
	}
	return &FileList{path: path, locks: locks}
}

func (f *FileList) Path() string { return f.path }

// Load reads the list. A missing file is an empty list.
func (f *FileList) Load() ([]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// Exists reports whether the backing file is present.
func (f *FileList) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// CommitReplace atomically replaces the list contents.
func (f *FileList) CommitReplace(lines []string) error {
	unlock := f.locks.Lock(f.path)
	defer unlock()
	return f.write(lines)
}

func (f *FileList) write(lines []string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("create dir for %s: %w", f.path, err)
	}
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if err := atomic.WriteFile(f.path, &buf); err != nil {
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	return nil
}

// Update runs a read-modify-write cycle under the path lock. fn receives a
// fresh read and reports whether it changed anything; unchanged lists are
// not rewritten.
func (f *FileList) Update(fn func(lines []string) ([]string, bool)) error {
	unlock := f.locks.Lock(f.path)
	defer unlock()

	lines, err := f.Load()
	if err != nil {
		return err
	}
	next, changed := fn(lines)
	if !changed {
		return nil
	}
	return f.write(next)
}

// Contains reports whether entry is listed, ignoring case and any group prefix.
func (f *FileList) Contains(entry string) (bool, error) {
	lines, err := f.Load()
	if err != nil {
		return false, err
	}
	return indexOf(lines, entry) >= 0, nil
}

// Add inserts entry unless present. prepend puts it first.
func (f *FileList) Add(entry string, prepend bool) (bool, error) {
	added := false
	err := f.Update(func(lines []string) ([]string, bool) {
		if indexOf(lines, entry) >= 0 {
			return lines, false
		}
		added = true
		if prepend {
			return append([]string{entry}, lines...), true
		}
		return append(lines, entry), true
	})
	return added, err
}

// Remove deletes every line matching entry case-insensitively.
func (f *FileList) Remove(entry string) (bool, error) {
	removed := false
	err := f.Update(func(lines []string) ([]string, bool) {
		kept := lines[:0:0]
		for _, line := range lines {
			if sameEntry(line, entry) {
				removed = true
				continue
			}
			kept = append(kept, line)
		}
		return kept, removed
	})
	return removed, err
}

func sameEntry(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(a, "!"), strings.TrimPrefix(b, "!"))
}

func indexOf(lines []string, entry string) int {
	for i, line := range lines {
		if sameEntry(line, entry) {
			return i
		}
	}
	return -1
}
