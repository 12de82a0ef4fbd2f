package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	badger "github.com/dgraph-io/badger/v4"
)

var (
	ErrNotFound        = badger.ErrKeyNotFound
	ErrNothingToVacuum = badger.ErrNoRewrite
)

type Config struct {
	Path string
	// InMemory keeps the database out of the filesystem, Path is ignored
	InMemory bool
}

type Storage interface {
	Setup() error
	Close() error

	// A key only counting keys that has a prefix, very efficient because only operating on lsm tree
	CountKeysByPrefix(prefix []byte) (int64, error)

	// Update runs fn in a single read-write transaction. Either every write
	// in fn is committed or none is.
	Update(fn func(txn Txn) error) error
	View(fn func(txn Txn) error) error

	// Backup writes every version newer than since to w and returns the
	// version to pass as since for the next incremental backup.
	Backup(ctx context.Context, w io.Writer, since uint64) (uint64, error)
	Load(ctx context.Context, r io.Reader) error

	// Vacuum rewrites value log files that are mostly garbage. ErrNothingToVacuum
	// means no file qualified.
	Vacuum() error
	DbPath() string
}

// Txn is the view of the database handed to Update and View callbacks.
type Txn interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	// Scan returns up to limit items under prefix, newest key first when reverse
	// is set. A limit <= 0 returns everything.
	Scan(prefix []byte, reverse bool, limit int) ([]*KeyValueItem, error)
}

type KeyValueItem struct {
	Key   []byte
	Value []byte
}

type BadgerStorage struct {
	config *Config
	db     *badger.DB
}

// Create storage pool at the particular path
func NewWithPath(path string) (Storage, error) {
	return New(&Config{
		Path: path,
	})
}

// Create storage pool with the given config
func New(c *Config) (Storage, error) {
	opts := badger.DefaultOptions(c.Path)
	if c.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	db, err := badger.Open(
		opts.WithSyncWrites(!c.InMemory).WithLogger(nil),
	)

	if err != nil {
		return nil, err
	}

	return &BadgerStorage{
		config: c,
		db:     db,
	}, nil
}

func (s *BadgerStorage) Setup() error {
	return nil
}

func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

func (s *BadgerStorage) Update(fn func(txn Txn) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
}

func (s *BadgerStorage) View(fn func(txn Txn) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
}

// CountKeysByPrefix return total key under a specfic prefix
func (s *BadgerStorage) CountKeysByPrefix(prefix []byte) (int64, error) {
	total := int64(0)

	if len(prefix) == 0 {
		return 0, fmt.Errorf("cannot count prefix with length 0")
	}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			total += 1
		}
		return nil
	})

	if err != nil {
		return 0, err
	}

	return total, nil
}

func (s *BadgerStorage) Backup(ctx context.Context, w io.Writer, since uint64) (uint64, error) {
	return s.db.Backup(w, since)
}

func (s *BadgerStorage) Load(ctx context.Context, r io.Reader) error {
	// 16 concurrent pending writes
	return s.db.Load(r, 16)
}

func (s *BadgerStorage) Vacuum() error {
	return s.db.RunValueLogGC(0.7)
}

func (s *BadgerStorage) DbPath() string {
	return s.config.Path
}

// Destroy is destructive action that shutdown a database, and wipe out its entire data directory
func Destroy(s *BadgerStorage) error {
	s.Close()
	if s.config.InMemory {
		return nil
	}
	return os.RemoveAll(s.config.Path)
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t *badgerTxn) Get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if err != nil {
		return nil, err
	}

	return item.ValueCopy(nil)
}

func (t *badgerTxn) Set(key, value []byte) error {
	return t.txn.Set(key, value)
}

func (t *badgerTxn) Delete(key []byte) error {
	return t.txn.Delete(key)
}

func (t *badgerTxn) Scan(prefix []byte, reverse bool, limit int) ([]*KeyValueItem, error) {
	var result []*KeyValueItem

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = reverse
	if limit > 0 && limit < opts.PrefetchSize {
		opts.PrefetchSize = limit
	}

	it := t.txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if reverse {
		// in reverse mode Seek lands on the largest key <= seek
		seek = append(bytes.Clone(prefix), 0xff)
	}

	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()

		v, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}

		result = append(result, &KeyValueItem{
			Key:   item.KeyCopy(nil),
			Value: v,
		})

		if limit > 0 && len(result) >= limit {
			break
		}
	}

	return result, nil
}
