package kv

import (
	"time"

	. "github.com/stevegt/goadapt"
	bolt "go.etcd.io/bbolt"
)

// Db is a key-value database with string buckets and keys and byte
// slice values.  It is an adapter for bolt.
type Db struct {
	bdb *bolt.DB
}

// OpenTimeout is how long Open waits for another process to release
// the database file.
var OpenTimeout = 10 * time.Second

// Open opens a database, creating it if it doesn't exist.
func Open(path string) (db *Db, err error) {
	defer Return(&err)
	db = &Db{}
	opts := &bolt.Options{Timeout: OpenTimeout}
	db.bdb, err = bolt.Open(path, 0600, opts)
	Ck(err, "opening %s", path)
	return
}

// Close closes the db.
func (db *Db) Close() (err error) {
	defer Return(&err)
	err = db.bdb.Close()
	Ck(err)
	return
}

// View runs fn in a read-only transaction.
func (db *Db) View(fn func(tx *Tx) error) error {
	return db.bdb.View(func(btx *bolt.Tx) error {
		return fn(&Tx{btx})
	})
}

// Update runs fn in a read-write transaction.  The transaction is
// committed if fn returns nil and rolled back otherwise.
func (db *Db) Update(fn func(tx *Tx) error) error {
	return db.bdb.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{btx})
	})
}

// Tx is a transaction.  It is an adapter for bolt.
type Tx struct {
	btx *bolt.Tx
}

// Put adds or replaces a record in the given bucket, creating the
// bucket if needed.
func (tx *Tx) Put(bucket, key string, value []byte) (err error) {
	defer Return(&err)
	b, err := tx.btx.CreateBucketIfNotExists([]byte(bucket))
	Ck(err)
	err = b.Put([]byte(key), value)
	Ck(err)
	return
}

// Get retrieves a record from the given bucket.  It returns a nil value
// if the bucket or key does not exist.  The returned slice is a copy
// and remains valid after the transaction ends.
func (tx *Tx) Get(bucket, key string) (value []byte) {
	b := tx.btx.Bucket([]byte(bucket))
	if b == nil {
		return
	}
	v := b.Get([]byte(key))
	if v == nil {
		return
	}
	value = make([]byte, len(v))
	copy(value, v)
	return
}

// Delete removes a record from the given bucket.  Missing buckets and
// keys are not an error.
func (tx *Tx) Delete(bucket, key string) (err error) {
	defer Return(&err)
	b := tx.btx.Bucket([]byte(bucket))
	if b == nil {
		return
	}
	err = b.Delete([]byte(key))
	Ck(err)
	return
}

// Keys returns the keys in the given bucket in byte order.
func (tx *Tx) Keys(bucket string) (keys []string) {
	b := tx.btx.Bucket([]byte(bucket))
	if b == nil {
		return
	}
	b.ForEach(func(k, v []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	return
}

// CopyFile writes a consistent copy of the whole database to path.
func (tx *Tx) CopyFile(path string) (err error) {
	defer Return(&err)
	err = tx.btx.CopyFile(path, 0600)
	Ck(err, "copying db to %s", path)
	return
}
