package aidebug

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stevegt/aidebug/kv"
	. "github.com/stevegt/goadapt"
	"github.com/stevegt/semver"
)

// Version is the version of the code and of the settings file format.
const Version = "1.0.0"

const (
	bucketSettings = "settings"
	bucketMeta     = "meta"
	keyVersion     = "version"

	keyEndpoint   = "APIEndPoint"
	keyAPIKey     = "ApiKey"
	keyModel      = "Model"
	keyBackground = "BackgroundInformation"
)

// Settings persists a Config as flat string keys in a kv database.
type Settings struct {
	db   *kv.Db
	path string

	// set when OpenSettings upgraded an older file
	was      string
	backpath string
}

// OpenSettings opens or creates the settings file at path.  It fails
// if the file was written by a newer version of this code.  A file
// written by an older version is backed up and restamped; see
// Migrated.
func OpenSettings(path string) (s *Settings, err error) {
	defer Return(&err)
	db, err := kv.Open(path)
	Ck(err)
	s = &Settings{db: db, path: path}
	err = s.db.Update(s.checkVersion)
	if err != nil {
		db.Close()
		s = nil
		return
	}
	return
}

// checkVersion stamps a new file with Version, and refuses files
// stamped with a later version.
func (s *Settings) checkVersion(tx *kv.Tx) (err error) {
	defer Return(&err)
	stored := string(tx.Get(bucketMeta, keyVersion))
	if stored == "" {
		err = tx.Put(bucketMeta, keyVersion, []byte(Version))
		Ck(err)
		return
	}
	dbver, err := semver.Parse([]byte(stored))
	Ck(err, "settings version %q", stored)
	codever, err := semver.Parse([]byte(Version))
	Ck(err)
	cmp, err := semver.Cmp(dbver, codever)
	Ck(err)
	if cmp > 0 {
		err = fmt.Errorf("settings file is version %s, but you're running version %s -- upgrade aidebug", stored, Version)
		return
	}
	if cmp < 0 {
		Debug("settings: stamping version %s over %s", Version, stored)
		s.backpath = backupPath(s.path)
		err = tx.CopyFile(s.backpath)
		Ck(err)
		s.was = stored
		err = tx.Put(bucketMeta, keyVersion, []byte(Version))
		Ck(err)
	}
	return
}

// backupPath returns a time-stamped path in the temp dir for a copy of
// the file at path.
func backupPath(path string) string {
	deslashed := strings.Replace(path, string(filepath.Separator), "-", -1)
	return filepath.Join(os.TempDir(), fmt.Sprintf("aidebug-backup-%s%s", time.Now().Format("20060102-150405"), deslashed))
}

// Migrated reports whether OpenSettings upgraded the file, the version
// it was upgraded from, and where the old file was saved.
func (s *Settings) Migrated() (migrated bool, was, backpath string) {
	return s.was != "", s.was, s.backpath
}

// Close closes the settings file.
func (s *Settings) Close() error {
	return s.db.Close()
}

// Load reads the stored config.  Keys that were never saved read as
// empty strings.
func (s *Settings) Load() (cfg Config, err error) {
	err = s.db.View(func(tx *kv.Tx) error {
		cfg.Endpoint = string(tx.Get(bucketSettings, keyEndpoint))
		cfg.APIKey = string(tx.Get(bucketSettings, keyAPIKey))
		cfg.Model = string(tx.Get(bucketSettings, keyModel))
		cfg.Background = string(tx.Get(bucketSettings, keyBackground))
		return nil
	})
	return
}

// Save writes all four config values.
func (s *Settings) Save(cfg Config) error {
	return s.db.Update(func(tx *kv.Tx) (err error) {
		defer Return(&err)
		vals := map[string]string{
			keyEndpoint:   cfg.Endpoint,
			keyAPIKey:     cfg.APIKey,
			keyModel:      cfg.Model,
			keyBackground: cfg.Background,
		}
		for k, v := range vals {
			err = tx.Put(bucketSettings, k, []byte(v))
			Ck(err)
		}
		return
	})
}

// Stamp returns the version recorded in the settings file.
func (s *Settings) Stamp() (ver string, err error) {
	err = s.db.View(func(tx *kv.Tx) error {
		ver = string(tx.Get(bucketMeta, keyVersion))
		return nil
	})
	return
}

// Reset removes every stored setting.  The version stamp is kept.
func (s *Settings) Reset() error {
	return s.db.Update(func(tx *kv.Tx) (err error) {
		defer Return(&err)
		for _, k := range tx.Keys(bucketSettings) {
			err = tx.Delete(bucketSettings, k)
			Ck(err)
		}
		return
	})
}
