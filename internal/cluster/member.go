// Package cluster holds the cluster-member value type of spec.md §3: the
// set of candidate consensus/archive endpoints parsed out of a
// BackupResponse's clusterMembersString, and replaced atomically on every
// successful backup response.
package cluster

import (
	"fmt"
	"strconv"
	"strings"
)

// Member describes one node of the replicated-log cluster, as advertised in
// a BackupResponse (spec.md §3).
type Member struct {
	ID                int32
	ConsensusEndpoint string
	ArchiveEndpoint   string
}

// fieldsPerMember is the number of '|'-delimited fields the wire format
// carries for one member: id, consensus endpoint, archive endpoint, plus
// two endpoints the agent does not use directly (client-facing and
// log-replication endpoints) but must still parse past.
const fieldsPerMember = 5

// ParseMembers parses the comma-separated member list returned in a
// BackupResponse's clusterMembersString. Each member is five '|'-delimited
// fields: memberId|clientEndpoint|consensusEndpoint|archiveEndpoint|logEndpoint.
// Malformed entries are skipped rather than aborting the whole parse, since
// a single malformed member should not make the agent unable to discover
// the rest of the cluster. An error is returned only when no member parses.
func ParseMembers(raw string) ([]Member, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("cluster: empty cluster members string")
	}

	entries := strings.Split(raw, ",")
	members := make([]Member, 0, len(entries))
	var firstErr error

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Split(entry, "|")
		if len(fields) < fieldsPerMember {
			if firstErr == nil {
				firstErr = fmt.Errorf("cluster: malformed member entry %q: expected %d fields, got %d", entry, fieldsPerMember, len(fields))
			}
			continue
		}
		id, err := strconv.ParseInt(fields[0], 10, 32)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("cluster: malformed member id %q: %w", fields[0], err)
			}
			continue
		}
		members = append(members, Member{
			ID:                int32(id),
			ConsensusEndpoint: fields[2],
			ArchiveEndpoint:   fields[3],
		})
	}

	if len(members) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, fmt.Errorf("cluster: no members parsed from %q", raw)
	}
	return members, nil
}

// FindByID returns the member with the given id, or ok=false if absent.
func FindByID(members []Member, id int32) (Member, bool) {
	for _, m := range members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}
