// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package slogpb

import (
	"encoding/binary"
	"fmt"
)

// OpType enumerates the SharedLogMessage wire operations (spec §6). A
// variant type with exhaustive matching is preferred here to virtual
// dispatch (design note §9).
type OpType uint8

const (
	OpAppend OpType = iota
	OpReplicate
	OpReadAt
	OpReadPrev
	OpReadNext
	OpMetaProg
	OpShardProg
	OpMetalogs
	OpLocalCut
	OpTrim
	OpResponse
)

func (op OpType) String() string {
	switch op {
	case OpAppend:
		return "APPEND"
	case OpReplicate:
		return "REPLICATE"
	case OpReadAt:
		return "READ_AT"
	case OpReadPrev:
		return "READ_PREV"
	case OpReadNext:
		return "READ_NEXT"
	case OpMetaProg:
		return "META_PROG"
	case OpShardProg:
		return "SHARD_PROG"
	case OpMetalogs:
		return "METALOGS"
	case OpLocalCut:
		return "LOCAL_CUT"
	case OpTrim:
		return "TRIM"
	case OpResponse:
		return "RESPONSE"
	default:
		return fmt.Sprintf("OpType(%d)", uint8(op))
	}
}

// headerSize is the byte length of the fixed portion of a
// SharedLogMessage, excluding the inline payload.
const headerSize = 1 + 2 + 4 + 2 + 2 + 8 + 8 + 8 + 8 + 8 + 4

// Message is the SharedLogMessage wire header plus its inline payload.
// A negative PayloadSize indicates shared-memory indirection (out of
// scope for this repository — function-call shared memory belongs to
// the worker/launcher subsystem, spec §2) and callers of Decode should
// treat it as "payload delivered out of band".
type Message struct {
	OpType        OpType
	ViewID        ViewID
	LogSpaceID    LogSpaceID
	SequencerID   NodeID
	OriginNodeID  NodeID
	HopTimes      uint64
	MetalogPos    MetalogSeqNum
	SeqNum        SeqNum
	LocalID       LocalID
	UserTag       Tag
	PayloadSize   int32
	Payload       []byte
}

// Encode serializes the header and inline payload into buf, growing it
// if necessary, and returns the full encoded message.
func (m *Message) Encode(buf []byte) []byte {
	need := headerSize
	if m.PayloadSize > 0 {
		need += int(m.PayloadSize)
	}
	if cap(buf) < need {
		buf = make([]byte, need)
	} else {
		buf = buf[:need]
	}

	b := buf
	b[0] = byte(m.OpType)
	binary.BigEndian.PutUint16(b[1:3], uint16(m.ViewID))
	binary.BigEndian.PutUint32(b[3:7], uint32(m.LogSpaceID))
	binary.BigEndian.PutUint16(b[7:9], uint16(m.SequencerID))
	binary.BigEndian.PutUint16(b[9:11], uint16(m.OriginNodeID))
	binary.BigEndian.PutUint64(b[11:19], m.HopTimes)
	binary.BigEndian.PutUint64(b[19:27], uint64(m.MetalogPos))
	binary.BigEndian.PutUint64(b[27:35], uint64(m.SeqNum))
	binary.BigEndian.PutUint64(b[35:43], uint64(m.LocalID))
	binary.BigEndian.PutUint64(b[43:51], uint64(m.UserTag))
	binary.BigEndian.PutUint32(b[51:55], uint32(m.PayloadSize))
	if m.PayloadSize > 0 {
		copy(b[headerSize:], m.Payload)
	}
	return b
}

// Decode parses a SharedLogMessage header (and inline payload, if
// PayloadSize > 0) from buf.
func Decode(buf []byte) (*Message, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("slogpb: short message header: %d bytes", len(buf))
	}
	m := &Message{
		OpType:       OpType(buf[0]),
		ViewID:       ViewID(binary.BigEndian.Uint16(buf[1:3])),
		LogSpaceID:   LogSpaceID(binary.BigEndian.Uint32(buf[3:7])),
		SequencerID:  NodeID(binary.BigEndian.Uint16(buf[7:9])),
		OriginNodeID: NodeID(binary.BigEndian.Uint16(buf[9:11])),
		HopTimes:     binary.BigEndian.Uint64(buf[11:19]),
		MetalogPos:   MetalogSeqNum(binary.BigEndian.Uint64(buf[19:27])),
		SeqNum:       SeqNum(binary.BigEndian.Uint64(buf[27:35])),
		LocalID:      LocalID(binary.BigEndian.Uint64(buf[35:43])),
		UserTag:      Tag(binary.BigEndian.Uint64(buf[43:51])),
		PayloadSize:  int32(binary.BigEndian.Uint32(buf[51:55])),
	}
	if m.PayloadSize > 0 {
		end := headerSize + int(m.PayloadSize)
		if len(buf) < end {
			return nil, fmt.Errorf("slogpb: payload truncated: want %d have %d", end, len(buf))
		}
		m.Payload = buf[headerSize:end]
	}
	return m, nil
}
