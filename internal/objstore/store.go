// Package objstore is the capability boundary over the object storage backend.
//
// A Store offers get, put, delete and list-by-prefix. Every operation may fail
// with a connectivity error; backends report those as *TransientError and never
// retry on their own. Listing is best-effort and may lag recent writes.
package objstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
)

// ObjectInfo describes one listed object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Store is implemented by every storage backend.
type Store interface {
	// Get returns the object body, or ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes the full object body, replacing any previous value.
	Put(ctx context.Context, key string, body []byte) error
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List lazily yields objects whose key starts with prefix. A non-nil error
	// ends the sequence.
	List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error]
}

// ErrNotFound reports an absent key. It is an expected outcome, not a failure.
var ErrNotFound = errors.New("object not found")

// TransientError wraps connectivity, throttling and timeout failures.
type TransientError struct {
	Op  string
	Key string
	Err error
}

func (e *TransientError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("objstore %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("objstore %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// MalformedRecordError reports a stored object that does not decode as expected.
type MalformedRecordError struct {
	Key string
	Err error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record %q: %v", e.Key, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is a MalformedRecordError.
func IsMalformed(err error) bool {
	var me *MalformedRecordError
	return errors.As(err, &me)
}

// GetJSON fetches key and decodes it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	body, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return DecodeJSON(key, body, v)
}

// DecodeJSON decodes body into v, wrapping parse failures in MalformedRecordError.
func DecodeJSON(key string, body []byte, v any) error {
	if len(body) == 0 {
		return &MalformedRecordError{Key: key, Err: errors.New("empty object")}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &MalformedRecordError{Key: key, Err: err}
	}
	return nil
}

// PutJSON encodes v as indented JSON and writes it to key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	body, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, key, body)
}
