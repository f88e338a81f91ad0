package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"i4.energy/across/gsmgw/message"
)

// Store mirrors queued messages so that a restart does not lose them.
// A message lives either in the pending area of its gateway or in the
// global delayed area; Save moves it between the two.
type Store interface {
	Save(m *message.Outbound, delayed bool) error
	Delete(m *message.Outbound) error
	Load() ([]Record, error)
	Close() error
}

// Record is the persisted form of a queued message.
type Record struct {
	UUID        string        `json:"uuid"`
	GatewayID   string        `json:"gateway"`
	Recipient   string        `json:"recipient"`
	From        string        `json:"from,omitempty"`
	Text        string        `json:"text,omitempty"`
	Payload     []byte        `json:"payload,omitempty"`
	Encoding    string        `json:"encoding"`
	SrcPort     int           `json:"src_port"`
	DstPort     int           `json:"dst_port"`
	Priority    int           `json:"priority"`
	Retries     int           `json:"retries"`
	StatusReq   bool          `json:"status_report,omitempty"`
	Validity    time.Duration `json:"validity,omitempty"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	ScheduledAt time.Time     `json:"scheduled_at,omitzero"`
	Delayed     bool          `json:"delayed,omitempty"`
}

// NewRecord captures the persisted fields of m.
func NewRecord(m *message.Outbound, delayed bool) Record {
	return Record{
		UUID:        m.UUID,
		GatewayID:   m.GatewayID,
		Recipient:   m.Recipient,
		From:        m.From,
		Text:        m.Text,
		Payload:     m.Payload,
		Encoding:    m.Encoding.String(),
		SrcPort:     m.SrcPort,
		DstPort:     m.DstPort,
		Priority:    m.Priority,
		Retries:     m.Retries,
		StatusReq:   m.StatusReq,
		Validity:    m.Validity,
		EnqueuedAt:  m.EnqueuedAt,
		ScheduledAt: m.ScheduledAt,
		Delayed:     delayed,
	}
}

// Message rebuilds the outbound message. The UUID is kept; the sequence id
// is fresh.
func (r Record) Message() *message.Outbound {
	m := message.NewOutbound(r.Recipient, r.Text)
	m.UUID = r.UUID
	m.GatewayID = r.GatewayID
	m.From = r.From
	m.Payload = r.Payload
	m.Encoding = message.ParseEncoding(r.Encoding)
	m.SrcPort = r.SrcPort
	m.DstPort = r.DstPort
	m.Priority = r.Priority
	m.Retries = r.Retries
	m.StatusReq = r.StatusReq
	m.Validity = r.Validity
	m.EnqueuedAt = r.EnqueuedAt
	m.ScheduledAt = r.ScheduledAt
	m.Status = message.StatusQueued
	return m
}

const (
	pendingDir = "pending"
	delayedDir = "delayed"
)

// FileStore keeps one JSON file per message: <dir>/pending/<gateway>/<uuid>.json
// and <dir>/delayed/<uuid>.json.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory layout under dir.
func NewFileStore(dir string) (*FileStore, error) {
	for _, d := range []string{filepath.Join(dir, pendingDir), filepath.Join(dir, delayedDir)} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("queue: create %s: %w", d, err)
		}
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) pendingPath(m *message.Outbound) string {
	return filepath.Join(s.dir, pendingDir, m.GatewayID, m.UUID+".json")
}

func (s *FileStore) delayedPath(m *message.Outbound) string {
	return filepath.Join(s.dir, delayedDir, m.UUID+".json")
}

func (s *FileStore) Save(m *message.Outbound, delayed bool) error {
	target, other := s.pendingPath(m), s.delayedPath(m)
	if delayed {
		target, other = other, target
	}

	data, err := json.Marshal(NewRecord(m, delayed))
	if err != nil {
		return fmt.Errorf("queue: encode %s: %w", m.UUID, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("queue: create %s: %w", filepath.Dir(target), err)
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("queue: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("queue: rename %s: %w", tmp, err)
	}
	return removeIfExists(other)
}

func (s *FileStore) Delete(m *message.Outbound) error {
	return errors.Join(removeIfExists(s.pendingPath(m)), removeIfExists(s.delayedPath(m)))
}

// Load reads every record under the store. Unreadable files are reported in
// the returned error while the readable ones are still returned.
func (s *FileStore) Load() ([]Record, error) {
	var (
		records []Record
		errs    []error
	)
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			errs = append(errs, fmt.Errorf("queue: decode %s: %w", path, err))
			return nil
		}
		records = append(records, r)
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return records, errors.Join(errs...)
}

func (s *FileStore) Close() error { return nil }

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("queue: remove %s: %w", path, err)
	}
	return nil
}

var (
	bucketPending = []byte(pendingDir)
	bucketDelayed = []byte(delayedDir)
)

// BoltStore keeps the same records in a single bbolt file. Pending keys are
// "<gateway>/<uuid>", delayed keys are the uuid.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens (or creates) the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketPending, bucketDelayed} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: init buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func pendingKey(m *message.Outbound) []byte {
	return []byte(m.GatewayID + "/" + m.UUID)
}

func (s *BoltStore) Save(m *message.Outbound, delayed bool) error {
	data, err := json.Marshal(NewRecord(m, delayed))
	if err != nil {
		return fmt.Errorf("queue: encode %s: %w", m.UUID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		pending, later := tx.Bucket(bucketPending), tx.Bucket(bucketDelayed)
		if delayed {
			if err := pending.Delete(pendingKey(m)); err != nil {
				return err
			}
			return later.Put([]byte(m.UUID), data)
		}
		if err := later.Delete([]byte(m.UUID)); err != nil {
			return err
		}
		return pending.Put(pendingKey(m), data)
	})
}

func (s *BoltStore) Delete(m *message.Outbound) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketPending).Delete(pendingKey(m)); err != nil {
			return err
		}
		return tx.Bucket(bucketDelayed).Delete([]byte(m.UUID))
	})
}

func (s *BoltStore) Load() ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketPending, bucketDelayed} {
			err := tx.Bucket(b).ForEach(func(k, v []byte) error {
				var r Record
				if err := json.Unmarshal(v, &r); err != nil {
					return fmt.Errorf("queue: decode %s: %w", k, err)
				}
				records = append(records, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return records, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
