// SPDX-License-Identifier: MIT

package playlist

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"
)

// eventLog is an append-only CSV file. Each log has its own mutex so that
// concurrent appenders never interleave bytes within a row. A nil eventLog
// discards all rows.
type eventLog struct {
	mu sync.Mutex
	f  *os.File
}

// openEventLog opens path for append, creating it when missing. An empty
// path yields a nil (discarding) log.
func openEventLog(path string) (*eventLog, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	return &eventLog{f: f}, nil
}

// append writes one CSV row.
func (l *eventLog) append(record ...string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	w := csv.NewWriter(l.f)
	if err := w.Write(record); err != nil {
		return fmt.Errorf("append event log: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush event log: %w", err)
	}
	return nil
}

func (l *eventLog) close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
