// Package wal implements WriteAheadLog: a durability front-end providing
// group commit over a fixed binary record format, grounded in
// original_source/lithair-core/src/cluster/wal.rs for the on-disk layout
// and defaults, and in the teacher repository's
// internal/storage/wal/wal.go for the Go concurrency shape (a mutex-guarded
// buffer of pending requests drained by a background goroutine).
package wal

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// OperationKind tags which variant an Operation carries.
type OperationKind byte

const (
	OpCreate OperationKind = iota
	OpUpdate
	OpDelete
	OpMigration
)

// Operation is one of Create | Update | Delete | Migration{kind, json},
// mirroring WalOperation in the original source (renamed from model_path to
// a generic Path since this implementation is not tied to any one ORM
// model layer).
type Operation struct {
	Kind OperationKind

	// Create / Update
	Path string
	ID   string // Update / Delete
	Data string // Create / Update: JSON payload

	// Migration
	MigrationKind string // "begin" | "step" | "commit" | "rollback"
	MigrationJSON string
}

// Entry is one WAL record: {term, index, timestamp_ms, operation}.
type Entry struct {
	Term        uint64
	Index       uint64
	TimestampMs uint64
	Operation   Operation
}

// encode produces the compact binary payload for an Entry: term, index,
// timestamp_ms as u64 LE, then the operation kind byte followed by its
// length-prefixed string fields.
func encode(e Entry) []byte {
	var buf bytes.Buffer

	var u64buf [8]byte
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(u64buf[:], v)
		buf.Write(u64buf[:])
	}
	putString := func(s string) {
		putU64(uint64(len(s)))
		buf.WriteString(s)
	}

	putU64(e.Term)
	putU64(e.Index)
	putU64(e.TimestampMs)

	buf.WriteByte(byte(e.Operation.Kind))
	switch e.Operation.Kind {
	case OpCreate:
		putString(e.Operation.Path)
		putString(e.Operation.Data)
	case OpUpdate:
		putString(e.Operation.Path)
		putString(e.Operation.ID)
		putString(e.Operation.Data)
	case OpDelete:
		putString(e.Operation.Path)
		putString(e.Operation.ID)
	case OpMigration:
		putString(e.Operation.MigrationKind)
		putString(e.Operation.MigrationJSON)
	}

	return buf.Bytes()
}

func decode(data []byte) (Entry, error) {
	r := bytes.NewReader(data)

	readU64 := func() (uint64, error) {
		var b [8]byte
		if _, err := r.Read(b[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b[:]), nil
	}
	readString := func() (string, error) {
		n, err := readU64()
		if err != nil {
			return "", err
		}
		b := make([]byte, n)
		if n > 0 {
			if _, err := r.Read(b); err != nil {
				return "", err
			}
		}
		return string(b), nil
	}

	var e Entry
	var err error
	if e.Term, err = readU64(); err != nil {
		return Entry{}, fmt.Errorf("read term: %w", err)
	}
	if e.Index, err = readU64(); err != nil {
		return Entry{}, fmt.Errorf("read index: %w", err)
	}
	if e.TimestampMs, err = readU64(); err != nil {
		return Entry{}, fmt.Errorf("read timestamp_ms: %w", err)
	}

	kindByte, err := r.ReadByte()
	if err != nil {
		return Entry{}, fmt.Errorf("read operation kind: %w", err)
	}
	e.Operation.Kind = OperationKind(kindByte)

	switch e.Operation.Kind {
	case OpCreate:
		if e.Operation.Path, err = readString(); err != nil {
			return Entry{}, err
		}
		if e.Operation.Data, err = readString(); err != nil {
			return Entry{}, err
		}
	case OpUpdate:
		if e.Operation.Path, err = readString(); err != nil {
			return Entry{}, err
		}
		if e.Operation.ID, err = readString(); err != nil {
			return Entry{}, err
		}
		if e.Operation.Data, err = readString(); err != nil {
			return Entry{}, err
		}
	case OpDelete:
		if e.Operation.Path, err = readString(); err != nil {
			return Entry{}, err
		}
		if e.Operation.ID, err = readString(); err != nil {
			return Entry{}, err
		}
	case OpMigration:
		if e.Operation.MigrationKind, err = readString(); err != nil {
			return Entry{}, err
		}
		if e.Operation.MigrationJSON, err = readString(); err != nil {
			return Entry{}, err
		}
	default:
		return Entry{}, fmt.Errorf("unknown operation kind %d", kindByte)
	}

	return e, nil
}

// MigrationPayload unmarshals Operation.MigrationJSON into v, for callers
// dispatching on MigrationKind.
func (op Operation) MigrationPayload(v interface{}) error {
	return json.Unmarshal([]byte(op.MigrationJSON), v)
}
