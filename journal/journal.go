// Package journal persists the progress of multipart uploads so an interrupted upload
// can resume without sending its finished chunks again.
package journal

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/dgraph-io/badger/v4"
	"github.com/tekcloud/go-uploadutils/multipart"
)

const (
	sessionPrefix = "journal:session:"
	partPrefix    = "journal:part:"
)

// Record describes a remote multipart upload and the chunks already uploaded to it.
type Record struct {
	Key          string                  `json:"key"`
	SessionID    string                  `json:"session_id"`
	FileID       string                  `json:"file_id"`
	CompleteURL  string                  `json:"complete_url,omitempty"`
	ChunkSize    int64                   `json:"chunk_size"`
	ChunkCount   int                     `json:"chunk_count"`
	Destinations []multipart.Destination `json:"destinations"`
	Parts        map[int]string          `json:"-"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// Store is a badger backed journal.
type Store struct {
	db     *badger.DB
	logger log.Logger
}

// Open opens or creates the journal in dir.
func Open(dir string, logger log.Logger) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", dir, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// OpenInMemory opens a journal that lives as long as the process.
func OpenInMemory(logger log.Logger) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory journal: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close ...
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes the session part of rec, together with any parts it carries.
func (s *Store) Save(rec Record) error {
	if rec.Key == "" {
		return errors.New("journal record has no key")
	}
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(sessionKey(rec.Key), data); err != nil {
			return err
		}
		for index, token := range rec.Parts {
			if err := txn.Set(partKey(rec.Key, index), []byte(token)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns the record stored under key. The boolean is false when there is none.
func (s *Store) Load(key string) (Record, bool, error) {
	var rec Record
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(v []byte) error {
			return json.Unmarshal(v, &rec)
		}); err != nil {
			return fmt.Errorf("unmarshal journal record: %w", err)
		}
		found = true

		rec.Parts = map[int]string{}
		prefix := partPrefixFor(key)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			index, err := strconv.Atoi(strings.TrimPrefix(string(item.Key()), string(prefix)))
			if err != nil {
				return fmt.Errorf("invalid part key %q: %w", item.Key(), err)
			}
			token, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rec.Parts[index] = string(token)
		}
		return nil
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("load journal record %s: %w", key, err)
	}

	return rec, found, nil
}

// RecordPart stores the token of an uploaded chunk. Parts are separate keys, so concurrent chunks never conflict.
func (s *Store) RecordPart(key string, index int, token string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(partKey(key, index), []byte(token))
	})
}

// Delete removes the record and its parts.
func (s *Store) Delete(key string) error {
	prefix := partPrefixFor(key)

	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return txn.Delete(sessionKey(key))
	})
}

// Fingerprint identifies an upload of a given file version with a given chunk size.
func Fingerprint(name string, size int64, modTime time.Time, chunkSize int64) string {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%s\x00%d\x00%d\x00%d", name, size, modTime.UnixNano(), chunkSize)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// ContentFingerprint identifies an upload of the exact bytes read from r with a given chunk size.
// Use it when the uploaded file is generated and its metadata says nothing about its content.
func ContentFingerprint(name string, r io.Reader, chunkSize int64) (string, error) {
	content := sha256.New()
	size, err := io.Copy(content, r)
	if err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}

	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%s\x00%d\x00%x\x00%d", name, size, content.Sum(nil), chunkSize)
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// SessionJournal records the chunks of one upload.
type SessionJournal struct {
	store *Store
	key   string
}

// Session returns the journal of the upload stored under key.
func Session(store *Store, key string) *SessionJournal {
	return &SessionJournal{store: store, key: key}
}

// RecordPart ...
func (j *SessionJournal) RecordPart(index int, token string) error {
	return j.store.RecordPart(j.key, index, token)
}

func sessionKey(key string) []byte {
	return []byte(sessionPrefix + key)
}

func partPrefixFor(key string) []byte {
	return []byte(partPrefix + key + ":")
}

func partKey(key string, index int) []byte {
	return []byte(fmt.Sprintf("%s%s:%06d", partPrefix, key, index))
}
