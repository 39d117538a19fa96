package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/logging"
)

const (
	turnPrefix = "turn/"
	idPrefix   = "id/"
)

// BadgerConfig holds configuration for the embedded Badger store.
type BadgerConfig struct {
	// Path is the data directory. Ignored when InMemory is true.
	Path string
	// InMemory keeps everything in RAM. Used by tests.
	InMemory   bool
	SyncWrites bool
	// Logger receives Badger's internal warnings and errors. Nil disables them.
	Logger logging.Logger
}

// DefaultBadgerConfig returns durable production settings.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{SyncWrites: true}
}

// InMemoryBadgerConfig returns settings for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts logging.Logger to badger.Logger.
type badgerLogger struct {
	logger logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error("badger_error", "message", fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn("badger_warning", "message", fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {}

func (l *badgerLogger) Debugf(format string, args ...any) {}

// BadgerPersister stores turns in BadgerDB. Turns are keyed
// turn/<session>/<sequence> so a prefix scan returns them in commit order;
// id/<turn> marks stored turn ids.
type BadgerPersister struct {
	db  *badger.DB
	seq *badger.Sequence
}

// OpenBadger opens the store described by cfg.
func OpenBadger(cfg BadgerConfig) (*BadgerPersister, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.Bind("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte("seq/turns"), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("turn sequence: %w", err)
	}
	return &BadgerPersister{db: db, seq: seq}, nil
}

func sessionPrefix(sessionID string) []byte {
	return []byte(turnPrefix + sessionID + "/")
}

// SaveTurn implements Persister. Duplicate turn ids are ignored.
func (b *BadgerPersister) SaveTurn(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding turn: %w", err)
	}

	n, err := b.seq.Next()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		idKey := []byte(idPrefix + rec.TurnID)
		if _, err := txn.Get(idKey); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		key := append(sessionPrefix(rec.SessionID), []byte(fmt.Sprintf("%020d", n))...)
		if err := txn.Set(key, payload); err != nil {
			return err
		}
		return txn.Set(idKey, key)
	})
}

// LoadTurns implements Persister.
func (b *BadgerPersister) LoadTurns(ctx context.Context, sessionID string) ([]Record, error) {
	var out []Record
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := sessionPrefix(sessionID)
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 50, Prefix: prefix})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decoding %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Driver implements Persister.
func (b *BadgerPersister) Driver() string { return "badger" }

// Close implements Persister.
func (b *BadgerPersister) Close() error {
	if err := b.seq.Release(); err != nil {
		b.db.Close()
		return err
	}
	return b.db.Close()
}

var _ Persister = (*BadgerPersister)(nil)
