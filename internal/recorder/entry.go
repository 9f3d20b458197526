// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package recorder

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/rules"
)

// Outcome is what happened to a recorded packet.
type Outcome uint8

const (
	Delivered Outcome = iota + 1
	Delayed
	Dropped
	Duplicated
	Observed
	Overflow
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Delayed:
		return "delayed"
	case Dropped:
		return "dropped"
	case Duplicated:
		return "duplicated"
	case Observed:
		return "observed"
	case Overflow:
		return "overflow"
	}
	return "unknown"
}

// Entry is one log record.
type Entry struct {
	Timestamp time.Time
	Rule      rules.ID
	Direction rules.Direction
	Length    uint32
	Outcome   Outcome
	Delay     time.Duration
	Seq       uint64
	// Payload is a raw snapshot, present only when payload capture is enabled.
	Payload []byte
}

const (
	fieldTimestamp protowire.Number = iota + 1
	fieldRule
	fieldDirection
	fieldLength
	fieldOutcome
	fieldDelay
	fieldSeq
	fieldPayload
)

// appendEntry appends e as a uvarint length-prefixed record.
func appendEntry(b []byte, e *Entry) []byte {
	var rec []byte
	rec = appendVarintField(rec, fieldTimestamp, uint64(e.Timestamp.UnixNano()))
	rec = appendVarintField(rec, fieldRule, uint64(e.Rule))
	rec = appendVarintField(rec, fieldDirection, uint64(e.Direction))
	rec = appendVarintField(rec, fieldLength, uint64(e.Length))
	rec = appendVarintField(rec, fieldOutcome, uint64(e.Outcome))
	rec = appendVarintField(rec, fieldDelay, protowire.EncodeZigZag(int64(e.Delay)))
	rec = appendVarintField(rec, fieldSeq, e.Seq)
	if len(e.Payload) > 0 {
		rec = protowire.AppendTag(rec, fieldPayload, protowire.BytesType)
		rec = protowire.AppendBytes(rec, e.Payload)
	}
	b = protowire.AppendVarint(b, uint64(len(rec)))
	return append(b, rec...)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// decodeEntries parses a chunk payload of length-prefixed records.
func decodeEntries(b []byte) ([]Entry, error) {
	var out []Entry
	for len(b) > 0 {
		rec, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return out, errors.Wrap(protowire.ParseError(n), errors.KindMalformed, "record length")
		}
		b = b[n:]
		e, err := decodeEntry(rec)
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	var ts int64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, errors.Wrap(protowire.ParseError(n), errors.KindMalformed, "record tag")
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, errors.Wrap(protowire.ParseError(n), errors.KindMalformed, "record field")
			}
			b = b[n:]
			switch num {
			case fieldTimestamp:
				ts = int64(v)
			case fieldRule:
				e.Rule = rules.ID(v)
			case fieldDirection:
				e.Direction = rules.Direction(v)
			case fieldLength:
				e.Length = uint32(v)
			case fieldOutcome:
				e.Outcome = Outcome(v)
			case fieldDelay:
				e.Delay = time.Duration(protowire.DecodeZigZag(v))
			case fieldSeq:
				e.Seq = v
			}
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, errors.Wrap(protowire.ParseError(n), errors.KindMalformed, "record payload")
			}
			e.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, errors.Wrap(protowire.ParseError(n), errors.KindMalformed, "record field")
			}
			b = b[n:]
		}
	}
	e.Timestamp = time.Unix(0, ts)
	return e, nil
}
