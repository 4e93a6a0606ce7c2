package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxLogSize = 10 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// AuditEntry is one line of the audit trail.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Event     EventType `json:"event"`
	Operator  string    `json:"operator,omitempty"`
	Ring      *uint64   `json:"ring,omitempty"`
	Backend   string    `json:"backend,omitempty"`
	Address   string    `json:"address,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Checksum  string    `json:"checksum,omitempty"`
}

// AuditLogger appends broker events to a JSONL file, moving it into an
// archive directory once it grows past maxSize.
type AuditLogger struct {
	mu          sync.Mutex
	file        *os.File
	size        int64
	maxSize     int64
	path        string
	checksum    bool
	rotations   int
	unsubscribe func()
}

func NewAuditLogger(path string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	l := &AuditLogger{path: path, maxSize: maxSize}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.size = st.Size()
	return nil
}

// EnableChecksum makes every subsequent entry carry an FNV-1a checksum.
func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checksum = enable
}

// Attach subscribes the logger to every broker event on bus. Write errors
// are passed to onErr, which may be nil.
func (l *AuditLogger) Attach(bus *Bus, onErr func(error)) {
	unsub := bus.Subscribe(func(ev Event) {
		if err := l.Record(ev); err != nil && onErr != nil {
			onErr(err)
		}
	}, AllEventTypes...)
	l.mu.Lock()
	l.unsubscribe = unsub
	l.mu.Unlock()
}

func (l *AuditLogger) Record(ev Event) error {
	return l.Write(&AuditEntry{
		Timestamp: ev.Timestamp,
		Event:     ev.Type,
		Operator:  ev.Operator,
		Ring:      ev.Ring,
		Backend:   ev.Backend,
		Address:   ev.Address,
		Detail:    ev.Detail,
	})
}

func (l *AuditLogger) Write(entry *AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Checksum = ""
	if l.checksum {
		entry.Checksum = checksum(entry)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.size > 0 && l.size+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}
	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	l.size += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	l.file = nil
	dir := filepath.Join(filepath.Dir(l.path), ArchiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	l.rotations++
	base := strings.TrimSuffix(filepath.Base(l.path), LogFileExtension)
	name := fmt.Sprintf("%s.%s.%d%s", base, time.Now().UTC().Format("20060102_150405"), l.rotations, LogFileExtension)
	if err := os.Rename(l.path, filepath.Join(dir, name)); err != nil {
		return err
	}
	return l.open()
}

func checksum(entry *AuditEntry) string {
	c := *entry
	c.Checksum = ""
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// VerifyAuditLog counts entries in path and how many pass their checksum.
// Entries without a checksum count as valid; malformed lines do not count.
func VerifyAuditLog(path string) (total, valid int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		total++
		if e.Checksum == "" || checksum(&e) == e.Checksum {
			valid++
		}
	}
	return total, valid, sc.Err()
}

func (l *AuditLogger) Path() string {
	return l.path
}

func (l *AuditLogger) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Close detaches from the bus and closes the file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	unsub := l.unsubscribe
	l.unsubscribe = nil
	l.mu.Unlock()
	if unsub != nil {
		unsub()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
