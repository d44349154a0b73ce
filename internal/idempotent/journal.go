package idempotent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Journal is a file-backed repository. Confirmed keys are appended to a JSONL
// journal and replayed on open; in-progress keys live only in memory so they
// never outlive the process that owns them.
type Journal struct {
	path       string
	file       *os.File
	mu         sync.Mutex
	confirmed  map[string]struct{}
	inProgress map[string]struct{}
	records    int
}

type journalRecord struct {
	Op        string `json:"op"`
	Key       string `json:"key"`
	Timestamp string `json:"ts"`
}

const (
	opConfirm = "confirm"
	opRemove  = "remove"
)

// A journal is compacted on open once it holds at least compactMinRecords
// records and more than compactRatio records per confirmed key.
const (
	compactMinRecords = 1024
	compactRatio      = 2
)

// OpenJournal opens (or creates) a journal file for appending and replays the
// confirmed keys it already holds.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("journal: create directory: %w", err)
	}

	j := &Journal{
		path:       path,
		confirmed:  make(map[string]struct{}),
		inProgress: make(map[string]struct{}),
	}
	if err := j.replay(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("journal: open file: %w", err)
	}
	j.file = file

	if j.records >= compactMinRecords && j.records > compactRatio*len(j.confirmed) {
		if err := j.Compact(); err != nil {
			_ = j.file.Close()
			return nil, err
		}
	}
	return j, nil
}

func (j *Journal) replay() error {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("journal: read existing: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn final line from a crash mid-write is skipped.
			continue
		}
		j.records++
		switch rec.Op {
		case opConfirm:
			j.confirmed[rec.Key] = struct{}{}
		case opRemove:
			delete(j.confirmed, rec.Key)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("journal: scan existing: %w", err)
	}
	return nil
}

func (j *Journal) Add(_ context.Context, key string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.confirmed[key]; ok {
		return false, nil
	}
	if _, ok := j.inProgress[key]; ok {
		return false, nil
	}
	j.inProgress[key] = struct{}{}
	return true, nil
}

func (j *Journal) Contains(_ context.Context, key string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.confirmed[key]; ok {
		return true, nil
	}
	_, ok := j.inProgress[key]
	return ok, nil
}

func (j *Journal) Remove(_ context.Context, key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.inProgress, key)
	if _, ok := j.confirmed[key]; !ok {
		return nil
	}
	if err := j.appendLocked(opRemove, key); err != nil {
		return err
	}
	delete(j.confirmed, key)
	return nil
}

func (j *Journal) Confirm(_ context.Context, key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.confirmed[key]; ok {
		delete(j.inProgress, key)
		return nil
	}
	if err := j.appendLocked(opConfirm, key); err != nil {
		return err
	}
	delete(j.inProgress, key)
	j.confirmed[key] = struct{}{}
	return nil
}

// appendLocked writes one record and syncs it to disk.
func (j *Journal) appendLocked(op, key string) error {
	line, err := json.Marshal(journalRecord{
		Op:        op,
		Key:       key,
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
	})
	if err != nil {
		return fmt.Errorf("journal: marshal record: %w", err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal: write record: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync: %w", err)
	}
	j.records++
	return nil
}

// Compact rewrites the journal so it holds exactly one record per confirmed key.
func (j *Journal) Compact() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	keys := make([]string, 0, len(j.confirmed))
	for k := range j.confirmed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tmp := j.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("journal: compact: %w", err)
	}
	w := bufio.NewWriter(out)
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	for _, k := range keys {
		line, _ := json.Marshal(journalRecord{Op: opConfirm, Key: k, Timestamp: ts})
		_, _ = w.Write(append(line, '\n'))
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return fmt.Errorf("journal: compact: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("journal: compact: %w", err)
	}
	out.Close()

	if err := j.file.Close(); err != nil {
		return fmt.Errorf("journal: compact: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("journal: compact: %w", err)
	}
	file, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("journal: reopen: %w", err)
	}
	j.file = file
	j.records = len(keys)
	return nil
}

// Records returns the number of records currently in the journal file.
func (j *Journal) Records() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.records
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
