// Package prefs persists small client preferences in a local bbolt file.
package prefs

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
)

var bucket = []byte("prefs")

const (
	keySoundEnabled = "sound_enabled"
	keyLastSection  = "last_section"
)

var ErrClosed = errors.New("prefs store closed")

type Store struct {
	db *bbolt.DB
}

// Open opens or creates the preferences file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open prefs %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create prefs bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(key string) ([]byte, error) {
	var v []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucket).Get([]byte(key)); b != nil {
			v = append([]byte{}, b...)
		}
		return nil
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) put(key string, v []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), v)
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// SoundEnabled defaults to true when never set.
func (s *Store) SoundEnabled() (bool, error) {
	v, err := s.get(keySoundEnabled)
	if err != nil || v == nil {
		return true, err
	}
	enabled, err := strconv.ParseBool(string(v))
	if err != nil {
		return true, fmt.Errorf("parse %s: %w", keySoundEnabled, err)
	}
	return enabled, nil
}

func (s *Store) SetSoundEnabled(enabled bool) error {
	return s.put(keySoundEnabled, []byte(strconv.FormatBool(enabled)))
}

// LastSection returns "" when never set.
func (s *Store) LastSection() (string, error) {
	v, err := s.get(keyLastSection)
	return string(v), err
}

func (s *Store) SetLastSection(section string) error {
	return s.put(keyLastSection, []byte(section))
}
