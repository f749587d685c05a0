// Package consensus implements the sparse-binary-encoded wire messages of
// spec.md §6: the outbound BackupQuery and the inbound BackupResponse, plus
// the message header the spec uses to multiplex and version-check them.
//
// This is the one piece of the agent deliberately built on the standard
// library rather than a third-party serialization library: spec.md pins
// down an exact ad hoc framing (a fixed {schemaId, templateId, blockLength,
// version} header followed by fixed-width fields and then length-prefixed
// variable fields) that no example repo or general-purpose codec
// implements — see DESIGN.md.
package consensus

import (
	"encoding/binary"
	"fmt"
)

// SchemaID is the only schema this agent understands. A header carrying any
// other value is a protocol mismatch (spec.md §4.4, §7).
const SchemaID uint16 = 200

// Template IDs. TemplateBackupResponse is the only template this agent acts
// on; any other recognized-schema template is silently ignored (spec.md §6).
const (
	TemplateBackupQuery    uint16 = 1
	TemplateBackupResponse uint16 = 2
)

// headerLen is the encoded size of Header: schemaId, templateId,
// blockLength, version, each a uint16.
const headerLen = 8

// Header prefixes every consensus message on the wire (spec.md §6).
type Header struct {
	SchemaID    uint16
	TemplateID  uint16
	BlockLength uint16
	Version     uint16
}

// ErrProtocolMismatch is returned when a decoded header's SchemaID does not
// match SchemaID. It diverts the agent to RESET_BACKUP (spec.md §4.4, §7).
var ErrProtocolMismatch = fmt.Errorf("consensus: protocol mismatch")

// DecodeHeader reads the fixed 8-byte header from the front of data and
// returns it along with the remaining bytes. Returns ErrProtocolMismatch if
// the schema id does not match SchemaID.
func DecodeHeader(data []byte) (Header, []byte, error) {
	if len(data) < headerLen {
		return Header{}, nil, fmt.Errorf("consensus: message too short for header: %d bytes", len(data))
	}
	h := Header{
		SchemaID:    binary.LittleEndian.Uint16(data[0:2]),
		TemplateID:  binary.LittleEndian.Uint16(data[2:4]),
		BlockLength: binary.LittleEndian.Uint16(data[4:6]),
		Version:     binary.LittleEndian.Uint16(data[6:8]),
	}
	if h.SchemaID != SchemaID {
		return h, nil, fmt.Errorf("%w: got schema %d, want %d", ErrProtocolMismatch, h.SchemaID, SchemaID)
	}
	return h, data[headerLen:], nil
}

func encodeHeader(templateID, blockLength uint16) []byte {
	buf := make([]byte, headerLen)
	binary.LittleEndian.PutUint16(buf[0:2], SchemaID)
	binary.LittleEndian.PutUint16(buf[2:4], templateID)
	binary.LittleEndian.PutUint16(buf[4:6], blockLength)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	return buf
}

// ─── BackupQuery ──────────────────────────────────────────────────────────

// BackupQuery is the outbound message of spec.md §4.4/§6.
type BackupQuery struct {
	CorrelationID           int64
	ResponseStreamID        int32
	ProtocolSemanticVersion int32
	ResponseChannel         string
	EncodedCredentials      []byte
}

const backupQueryBlockLen = 8 + 4 + 4 // correlationId + responseStreamId + protocolSemanticVersion

// EncodeBackupQuery serializes q with its header.
func EncodeBackupQuery(q BackupQuery) []byte {
	fixed := make([]byte, backupQueryBlockLen)
	binary.LittleEndian.PutUint64(fixed[0:8], uint64(q.CorrelationID))
	binary.LittleEndian.PutUint32(fixed[8:12], uint32(q.ResponseStreamID))
	binary.LittleEndian.PutUint32(fixed[12:16], uint32(q.ProtocolSemanticVersion))

	out := encodeHeader(TemplateBackupQuery, backupQueryBlockLen)
	out = append(out, fixed...)
	out = appendVarString(out, q.ResponseChannel)
	out = appendVarBytes(out, q.EncodedCredentials)
	return out
}

// DecodeBackupQuery parses the body (post-header) of a BackupQuery message.
func DecodeBackupQuery(body []byte) (BackupQuery, error) {
	if len(body) < backupQueryBlockLen {
		return BackupQuery{}, fmt.Errorf("consensus: BackupQuery body too short")
	}
	q := BackupQuery{
		CorrelationID:           int64(binary.LittleEndian.Uint64(body[0:8])),
		ResponseStreamID:        int32(binary.LittleEndian.Uint32(body[8:12])),
		ProtocolSemanticVersion: int32(binary.LittleEndian.Uint32(body[12:16])),
	}
	rest := body[backupQueryBlockLen:]
	channel, rest, err := readVarString(rest)
	if err != nil {
		return BackupQuery{}, err
	}
	q.ResponseChannel = channel
	creds, _, err := readVarBytes(rest)
	if err != nil {
		return BackupQuery{}, err
	}
	q.EncodedCredentials = creds
	return q, nil
}

// ─── BackupResponse ───────────────────────────────────────────────────────

// SnapshotDescriptor is one entry of a BackupResponse's snapshot inventory
// (spec.md §3 "recording-log snapshot").
type SnapshotDescriptor struct {
	RecordingID         int64
	LeadershipTermID    int64
	TermBaseLogPosition int64
	LogPosition         int64
	Timestamp           int64
	ServiceID           int32
}

const snapshotDescriptorLen = 8*5 + 4

// BackupResponse is the inbound message of spec.md §3/§4.4/§6.
type BackupResponse struct {
	CorrelationID            int64
	LogRecordingID           int64
	LogLeadershipTermID      int64
	LogTermBaseLogPosition   int64
	LastLeadershipTermID     int64
	LastTermBaseLogPosition int64
	CommitPositionCounterID  int32
	LeaderMemberID           int32
	Snapshots                []SnapshotDescriptor
	ClusterMembers           string
}

const backupResponseBlockLen = 8*6 + 4 + 4

// EncodeBackupResponse serializes r with its header. The agent's tests use
// it to stand in for the leader's consensus module.
func EncodeBackupResponse(r BackupResponse) []byte {
	fixed := make([]byte, backupResponseBlockLen)
	binary.LittleEndian.PutUint64(fixed[0:8], uint64(r.CorrelationID))
	binary.LittleEndian.PutUint64(fixed[8:16], uint64(r.LogRecordingID))
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(r.LogLeadershipTermID))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(r.LogTermBaseLogPosition))
	binary.LittleEndian.PutUint64(fixed[32:40], uint64(r.LastLeadershipTermID))
	binary.LittleEndian.PutUint64(fixed[40:48], uint64(r.LastTermBaseLogPosition))
	binary.LittleEndian.PutUint32(fixed[48:52], uint32(r.CommitPositionCounterID))
	binary.LittleEndian.PutUint32(fixed[52:56], uint32(r.LeaderMemberID))

	out := encodeHeader(TemplateBackupResponse, backupResponseBlockLen)
	out = append(out, fixed...)

	snapBuf := make([]byte, 4+len(r.Snapshots)*snapshotDescriptorLen)
	binary.LittleEndian.PutUint32(snapBuf[0:4], uint32(len(r.Snapshots)))
	off := 4
	for _, s := range r.Snapshots {
		binary.LittleEndian.PutUint64(snapBuf[off:off+8], uint64(s.RecordingID))
		binary.LittleEndian.PutUint64(snapBuf[off+8:off+16], uint64(s.LeadershipTermID))
		binary.LittleEndian.PutUint64(snapBuf[off+16:off+24], uint64(s.TermBaseLogPosition))
		binary.LittleEndian.PutUint64(snapBuf[off+24:off+32], uint64(s.LogPosition))
		binary.LittleEndian.PutUint64(snapBuf[off+32:off+40], uint64(s.Timestamp))
		binary.LittleEndian.PutUint32(snapBuf[off+40:off+44], uint32(s.ServiceID))
		off += snapshotDescriptorLen
	}
	out = append(out, snapBuf...)
	out = appendVarString(out, r.ClusterMembers)
	return out
}

// DecodeBackupResponse parses the body (post-header) of a BackupResponse
// message.
func DecodeBackupResponse(body []byte) (BackupResponse, error) {
	if len(body) < backupResponseBlockLen {
		return BackupResponse{}, fmt.Errorf("consensus: BackupResponse body too short")
	}
	r := BackupResponse{
		CorrelationID:           int64(binary.LittleEndian.Uint64(body[0:8])),
		LogRecordingID:          int64(binary.LittleEndian.Uint64(body[8:16])),
		LogLeadershipTermID:     int64(binary.LittleEndian.Uint64(body[16:24])),
		LogTermBaseLogPosition:  int64(binary.LittleEndian.Uint64(body[24:32])),
		LastLeadershipTermID:    int64(binary.LittleEndian.Uint64(body[32:40])),
		LastTermBaseLogPosition: int64(binary.LittleEndian.Uint64(body[40:48])),
		CommitPositionCounterID: int32(binary.LittleEndian.Uint32(body[48:52])),
		LeaderMemberID:          int32(binary.LittleEndian.Uint32(body[52:56])),
	}
	rest := body[backupResponseBlockLen:]
	if len(rest) < 4 {
		return BackupResponse{}, fmt.Errorf("consensus: BackupResponse missing snapshot count")
	}
	count := int(binary.LittleEndian.Uint32(rest[0:4]))
	rest = rest[4:]
	if count < 0 || len(rest) < count*snapshotDescriptorLen {
		return BackupResponse{}, fmt.Errorf("consensus: BackupResponse truncated snapshot list")
	}
	r.Snapshots = make([]SnapshotDescriptor, count)
	off := 0
	for i := 0; i < count; i++ {
		r.Snapshots[i] = SnapshotDescriptor{
			RecordingID:         int64(binary.LittleEndian.Uint64(rest[off : off+8])),
			LeadershipTermID:    int64(binary.LittleEndian.Uint64(rest[off+8 : off+16])),
			TermBaseLogPosition: int64(binary.LittleEndian.Uint64(rest[off+16 : off+24])),
			LogPosition:         int64(binary.LittleEndian.Uint64(rest[off+24 : off+32])),
			Timestamp:           int64(binary.LittleEndian.Uint64(rest[off+32 : off+40])),
			ServiceID:           int32(binary.LittleEndian.Uint32(rest[off+40 : off+44])),
		}
		off += snapshotDescriptorLen
	}
	rest = rest[off:]
	members, _, err := readVarString(rest)
	if err != nil {
		return BackupResponse{}, err
	}
	r.ClusterMembers = members
	return r, nil
}

// ─── variable-length field helpers ────────────────────────────────────────

func appendVarString(buf []byte, s string) []byte {
	return appendVarBytes(buf, []byte(s))
}

func appendVarBytes(buf []byte, b []byte) []byte {
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(b)))
	buf = append(buf, lenBuf...)
	return append(buf, b...)
}

func readVarString(data []byte) (string, []byte, error) {
	b, rest, err := readVarBytes(data)
	if err != nil {
		return "", nil, err
	}
	return string(b), rest, nil
}

func readVarBytes(data []byte) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("consensus: truncated variable-length field")
	}
	n := int(binary.LittleEndian.Uint32(data[0:4]))
	data = data[4:]
	if n < 0 || len(data) < n {
		return nil, nil, fmt.Errorf("consensus: variable-length field truncated: want %d, have %d", n, len(data))
	}
	return data[:n], data[n:], nil
}
