package eventstore

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lithair/lithair-sub001/pkg/lithair"
)

// Binary envelope encoding: a deterministic, hand-rolled frame (not the
// teacher's JSON lines) because spec.md §3/§6 fixes the wire shape for text
// mode but leaves "a deterministic binary encoding" open for binary mode.
// Layout: flags byte (bit0=aggregate_id present, bit1=event_hash present,
// bit2=previous_hash present), then for each present/required string field a
// u32 LE length followed by the bytes, in the fixed field order below.
const (
	flagAggregateID  = 1 << 0
	flagEventHash    = 1 << 1
	flagPreviousHash = 1 << 2
)

func writeString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := r.Read(lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := r.Read(data); err != nil {
		return "", err
	}
	return string(data), nil
}

func encodeBinary(env lithair.Envelope) ([]byte, error) {
	var buf bytes.Buffer

	var flags byte
	if env.AggregateID != nil {
		flags |= flagAggregateID
	}
	if env.EventHash != nil {
		flags |= flagEventHash
	}
	if env.PreviousHash != nil {
		flags |= flagPreviousHash
	}
	buf.WriteByte(flags)

	writeString(&buf, env.EventType)
	writeString(&buf, env.EventID)

	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], env.Timestamp)
	buf.Write(tsBuf[:])

	writeString(&buf, env.Payload)

	if env.AggregateID != nil {
		writeString(&buf, *env.AggregateID)
	}
	if env.EventHash != nil {
		writeString(&buf, *env.EventHash)
	}
	if env.PreviousHash != nil {
		writeString(&buf, *env.PreviousHash)
	}

	return buf.Bytes(), nil
}

func decodeBinary(data []byte) (lithair.Envelope, error) {
	r := bytes.NewReader(data)

	flags, err := r.ReadByte()
	if err != nil {
		return lithair.Envelope{}, fmt.Errorf("read flags: %w", err)
	}

	eventType, err := readString(r)
	if err != nil {
		return lithair.Envelope{}, fmt.Errorf("read event_type: %w", err)
	}
	eventID, err := readString(r)
	if err != nil {
		return lithair.Envelope{}, fmt.Errorf("read event_id: %w", err)
	}

	var tsBuf [8]byte
	if _, err := r.Read(tsBuf[:]); err != nil {
		return lithair.Envelope{}, fmt.Errorf("read timestamp: %w", err)
	}
	timestamp := binary.LittleEndian.Uint64(tsBuf[:])

	payload, err := readString(r)
	if err != nil {
		return lithair.Envelope{}, fmt.Errorf("read payload: %w", err)
	}

	env := lithair.Envelope{
		EventType: eventType,
		EventID:   eventID,
		Timestamp: timestamp,
		Payload:   payload,
	}

	if flags&flagAggregateID != 0 {
		v, err := readString(r)
		if err != nil {
			return lithair.Envelope{}, fmt.Errorf("read aggregate_id: %w", err)
		}
		env.AggregateID = &v
	}
	if flags&flagEventHash != 0 {
		v, err := readString(r)
		if err != nil {
			return lithair.Envelope{}, fmt.Errorf("read event_hash: %w", err)
		}
		env.EventHash = &v
	}
	if flags&flagPreviousHash != 0 {
		v, err := readString(r)
		if err != nil {
			return lithair.Envelope{}, fmt.Errorf("read previous_hash: %w", err)
		}
		env.PreviousHash = &v
	}

	return env, nil
}
