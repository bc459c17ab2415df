package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"pushwatch/internal/models"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

const (
	recordExt  = ".json"
	tempPrefix = ".incoming-"

	// stampLen is the length of the time part of a record id: YYYYMMDDhhmmss + microseconds.
	stampLen = 20

	maxLinkAttempts = 4
)

// RecordStore is an append-only directory of submissions, one JSON file per record.
// Records are written to a hidden temp file and hard-linked into place, so a
// reader never sees a partial record and an existing record is never replaced.
type RecordStore struct {
	dir     string
	now     func() time.Time
	syncDir func(dir string) error
	log     logr.Logger
}

// NewRecordStore creates the storage root if needed.
func NewRecordStore(dir string, log logr.Logger) (*RecordStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &RecordStore{
		dir:     dir,
		now:     time.Now,
		syncDir: syncDirectory,
		log:     log.WithName("storage"),
	}, nil
}

func (s *RecordStore) Dir() string {
	return s.dir
}

// RecordID derives a record id from an arrival time at microsecond resolution.
func RecordID(t time.Time) string {
	t = t.UTC()
	return t.Format("20060102150405") + fmt.Sprintf("%06d", t.Nanosecond()/int(time.Microsecond))
}

// ValidatePayload accepts only a well-formed JSON object.
func ValidatePayload(body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("%w: body is not valid JSON", ErrInvalidPayload)
	}
	if trimmed[0] != '{' {
		return fmt.Errorf("%w: body must be a JSON object", ErrInvalidPayload)
	}
	return nil
}

// Save stores body pretty-printed under a fresh id. It returns only once the
// record is fully written; on error no record is visible.
func (s *RecordStore) Save(body []byte) (models.Record, error) {
	if err := ValidatePayload(body); err != nil {
		return models.Record{}, err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, bytes.TrimSpace(body), "", "  "); err != nil {
		return models.Record{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	pretty.WriteByte('\n')

	tmpPath, err := s.writeTemp(pretty.Bytes())
	if err != nil {
		return models.Record{}, err
	}
	// The temp name is always dropped: after a successful link the record
	// keeps its own directory entry.
	defer os.Remove(tmpPath)

	id := RecordID(s.now())
	name := id + recordExt
	for attempt := 1; ; attempt++ {
		err = os.Link(tmpPath, filepath.Join(s.dir, name))
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) || attempt >= maxLinkAttempts {
			return models.Record{}, fmt.Errorf("failed to publish record: %w", err)
		}
		s.log.V(1).Info("record id collision, retrying with suffix", "id", id, "attempt", attempt)
		name = id + "-" + uuid.NewString()[:8] + recordExt
	}

	// The record is already visible; a failed fsync only weakens crash durability.
	if err := s.syncDir(s.dir); err != nil {
		s.log.Error(err, "could not sync storage directory", "record", name)
	}

	return models.Record{
		ID:   strings.TrimSuffix(name, recordExt),
		Path: filepath.Join(s.dir, name),
		Size: int64(pretty.Len()),
	}, nil
}

func (s *RecordStore) writeTemp(data []byte) (string, error) {
	f, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("failed to create record: %w", err)
	}
	path := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to sync record: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close record: %w", err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to set record permissions: %w", err)
	}
	return path, nil
}

func syncDirectory(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// List returns the file names of all published records in id order.
func (s *RecordStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if isRecordName(entry.Name()) && entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Count returns the number of published records. Under concurrent writes the
// result is a point-in-time directory listing, not a serializable snapshot.
func (s *RecordStore) Count() (int, error) {
	names, err := s.List()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// Read returns the stored content of one record.
func (s *RecordStore) Read(name string) ([]byte, error) {
	if filepath.Base(name) != name || !isRecordName(name) {
		return nil, fmt.Errorf("invalid record name %q", name)
	}
	return os.ReadFile(filepath.Join(s.dir, name))
}

func isRecordName(name string) bool {
	return !strings.HasPrefix(name, ".") && strings.HasSuffix(name, recordExt) && len(name) >= stampLen+len(recordExt)
}

// recordStamp returns the arrival time encoded in a record name.
func recordStamp(name string) (time.Time, bool) {
	if len(name) < stampLen {
		return time.Time{}, false
	}
	base, err := time.Parse("20060102150405", name[:14])
	if err != nil {
		return time.Time{}, false
	}
	micros, err := strconv.Atoi(name[14:stampLen])
	if err != nil {
		return time.Time{}, false
	}
	return base.Add(time.Duration(micros) * time.Microsecond), true
}
