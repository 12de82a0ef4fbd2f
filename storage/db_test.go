package storage

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *BadgerStorage {
	dir, err := os.MkdirTemp("", "apstorage")
	require.NoError(t, err)

	db, err := NewWithPath(dir)
	require.NoError(t, err)

	s := db.(*BadgerStorage)
	t.Cleanup(func() { Destroy(s) })
	return s
}

func get(t *testing.T, db Storage, key string) ([]byte, error) {
	t.Helper()
	var v []byte
	err := db.View(func(txn Txn) error {
		var err error
		v, err = txn.Get([]byte(key))
		return err
	})
	return v, err
}

func TestSetGetDelete(t *testing.T) {
	db := newTestStorage(t)

	require.NoError(t, db.Update(func(txn Txn) error {
		return txn.Set([]byte("k1"), []byte("v1"))
	}))

	v, err := get(t, db, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, db.Update(func(txn Txn) error {
		return txn.Delete([]byte("k1"))
	}))

	_, err = get(t, db, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateIsAtomic(t *testing.T) {
	db := newTestStorage(t)

	boom := errors.New("boom")
	err := db.Update(func(txn Txn) error {
		if err := txn.Set([]byte("a"), []byte("1")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = get(t, db, "a")
	assert.ErrorIs(t, err, ErrNotFound, "write must be discarded when the callback fails")
}

func TestScan(t *testing.T) {
	db := newTestStorage(t)

	require.NoError(t, db.Update(func(txn Txn) error {
		for _, k := range []string{"p:1", "p:2", "p:3", "q:1"} {
			if err := txn.Set([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}))

	tests := []struct {
		name    string
		reverse bool
		limit   int
		want    []string
	}{
		{"forward all", false, 0, []string{"p:1", "p:2", "p:3"}},
		{"reverse all", true, 0, []string{"p:3", "p:2", "p:1"}},
		{"reverse first", true, 1, []string{"p:3"}},
		{"forward limit", false, 2, []string{"p:1", "p:2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			err := db.View(func(txn Txn) error {
				items, err := txn.Scan([]byte("p:"), tt.reverse, tt.limit)
				for _, item := range items {
					got = append(got, string(item.Key))
				}
				return err
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	count, err := db.CountKeysByPrefix([]byte("p:"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = db.CountKeysByPrefix([]byte("q:"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestVacuumWithNothingToRewrite(t *testing.T) {
	db := newTestStorage(t)

	err := db.Vacuum()
	if err != nil {
		assert.ErrorIs(t, err, ErrNothingToVacuum)
	}
}
