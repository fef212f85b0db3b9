package service

import (
	"sort"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

// Reconcile merges the local buffer with one page of the remote log.
//
// The server is authoritative for every record it already knows: a local
// entry is dropped when its remote id or its natural key (card, ms
// timestamp) appears in remote. Remote records are only collapsed when
// they share a remote id, so two server rows for the same card and
// millisecond are both kept. Local entries fill the gaps. Output is newest
// first; on equal timestamps local entries come before remote ones, and
// input order is kept otherwise. Reconcile(Reconcile(l, r), r) equals
// Reconcile(l, r).
func Reconcile(local, remote []types.ScanRecord) []types.ScanRecord {
	seen := make(map[string]struct{}, len(remote)+len(local))
	remoteKeys := make(map[string]struct{}, len(remote))

	type entry struct {
		rec   types.ScanRecord
		local bool
	}
	merged := make([]entry, 0, len(remote)+len(local))

	for _, r := range remote {
		if _, dup := seen[r.Identity()]; dup {
			continue
		}
		seen[r.Identity()] = struct{}{}
		remoteKeys[r.NaturalKey()] = struct{}{}
		merged = append(merged, entry{rec: r})
	}

	for _, l := range local {
		if _, known := seen[l.Identity()]; known {
			continue
		}
		if _, known := remoteKeys[l.NaturalKey()]; known {
			continue
		}
		if _, known := seen[l.NaturalKey()]; known {
			continue
		}
		seen[l.Identity()] = struct{}{}
		seen[l.NaturalKey()] = struct{}{}
		merged = append(merged, entry{rec: l, local: true})
	}

	sort.SliceStable(merged, func(i, j int) bool {
		ti, tj := merged[i].rec.Timestamp, merged[j].rec.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return merged[i].local && !merged[j].local
	})

	out := make([]types.ScanRecord, len(merged))
	for i, e := range merged {
		out[i] = e.rec
	}
	return out
}
