package service_test

import (
	"math/rand"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/service"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

var base = time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return base.Add(time.Duration(ms) * time.Millisecond) }

func localScan(card string, ms int) types.ScanRecord {
	return types.ScanRecord{CardID: card, EventID: "ev-1", Timestamp: at(ms), Result: types.ScanValid}
}

func remoteScan(id, card string, ms int) types.ScanRecord {
	r := localScan(card, ms)
	r.RemoteID = id
	return r
}

func identities(recs []types.ScanRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Identity()
	}
	return out
}

func assertNoDuplicates(t *testing.T, recs []types.ScanRecord) {
	t.Helper()
	seen := map[string]bool{}
	for _, r := range recs {
		if seen[r.Identity()] {
			t.Fatalf("duplicate identity %s in %v", r.Identity(), identities(recs))
		}
		seen[r.Identity()] = true
	}
}

func assertNewestFirst(t *testing.T, recs []types.ScanRecord) {
	t.Helper()
	for i := 1; i < len(recs); i++ {
		if recs[i].Timestamp.After(recs[i-1].Timestamp) {
			t.Fatalf("records out of order at %d: %v after %v", i, recs[i].Timestamp, recs[i-1].Timestamp)
		}
	}
}

// ── Identity ─────────────────────────────────────────────────────────────────

func TestReconcile_ConfirmedLocalDuplicateDropped(t *testing.T) {
	local := []types.ScanRecord{localScan("X", 100)}
	remote := []types.ScanRecord{remoteScan("r1", "X", 100)}

	got := service.Reconcile(local, remote)

	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d: %v", len(got), identities(got))
	}
	if got[0].RemoteID != "r1" {
		t.Errorf("expected the remote record r1 to win, got %q", got[0].RemoteID)
	}
}

func TestReconcile_LocalWithRemoteIDDropped(t *testing.T) {
	l := localScan("X", 100)
	l.RemoteID = "r1"
	remote := []types.ScanRecord{remoteScan("r1", "X", 100)}

	got := service.Reconcile([]types.ScanRecord{l}, remote)
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
}

func TestReconcile_LocalFillsGaps(t *testing.T) {
	local := []types.ScanRecord{localScan("B", 300), localScan("A", 100)}
	remote := []types.ScanRecord{remoteScan("r1", "A", 100), remoteScan("r2", "C", 200)}

	got := service.Reconcile(local, remote)

	want := []string{naturalKey("B", 300), "r:r2", "r:r1"}
	if !reflect.DeepEqual(identities(got), want) {
		t.Errorf("got %v, want %v", identities(got), want)
	}
}

func TestReconcile_SubMillisecondTimestampsCollapse(t *testing.T) {
	l := localScan("X", 100)
	l.Timestamp = l.Timestamp.Add(400 * time.Microsecond)
	remote := []types.ScanRecord{remoteScan("r1", "X", 100)}

	got := service.Reconcile([]types.ScanRecord{l}, remote)
	if len(got) != 1 {
		t.Errorf("expected ms-truncated natural keys to match, got %v", identities(got))
	}
}

// ── Ordering ─────────────────────────────────────────────────────────────────

func TestReconcile_LocalBeforeRemoteOnTies(t *testing.T) {
	local := []types.ScanRecord{localScan("L", 500)}
	remote := []types.ScanRecord{remoteScan("r1", "R", 500)}

	got := service.Reconcile(local, remote)
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].CardID != "L" {
		t.Errorf("expected local entry first on equal timestamps, got %v", identities(got))
	}
}

func TestReconcile_RemoteOrderKeptOnTies(t *testing.T) {
	remote := []types.ScanRecord{remoteScan("r1", "A", 500), remoteScan("r2", "B", 500)}

	got := service.Reconcile(nil, remote)
	if got[0].RemoteID != "r1" || got[1].RemoteID != "r2" {
		t.Errorf("expected input order on ties, got %v", identities(got))
	}
}

func TestReconcile_RemoteDuplicatesCollapsed(t *testing.T) {
	remote := []types.ScanRecord{remoteScan("r1", "A", 500), remoteScan("r1", "A", 500)}

	got := service.Reconcile(nil, remote)
	if len(got) != 1 {
		t.Errorf("expected 1 record, got %d", len(got))
	}
}

func TestReconcile_DistinctRemoteIDsSharingKeyKept(t *testing.T) {
	r1 := remoteScan("r1", "CARD", 500)
	r2 := remoteScan("r2", "CARD", 500)
	r2.EventID = "ev-2"

	got := service.Reconcile([]types.ScanRecord{localScan("CARD", 500)}, []types.ScanRecord{r1, r2})
	want := []string{"r:r1", "r:r2"}
	if !reflect.DeepEqual(identities(got), want) {
		t.Errorf("expected %v, got %v", want, identities(got))
	}
	if again := service.Reconcile(got, []types.ScanRecord{r1, r2}); !reflect.DeepEqual(identities(again), want) {
		t.Errorf("not idempotent: %v", identities(again))
	}
}

func TestReconcile_Empty(t *testing.T) {
	got := service.Reconcile(nil, nil)
	if len(got) != 0 {
		t.Errorf("expected empty result, got %d", len(got))
	}
}

// ── Properties ───────────────────────────────────────────────────────────────

func TestReconcile_RandomizedProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cards := []string{"A", "B", "C", "D"}

	for round := 0; round < 200; round++ {
		var local, remote []types.ScanRecord
		nextID := 0
		for i := 0; i < rng.Intn(12); i++ {
			rec := localScan(cards[rng.Intn(len(cards))], rng.Intn(20)*10)
			local = append(local, rec)
			if rng.Intn(2) == 0 {
				nextID++
				remote = append(remote, remoteScan("r"+strconv.Itoa(nextID), rec.CardID, int(rec.Timestamp.Sub(base)/time.Millisecond)))
			}
		}
		for i := 0; i < rng.Intn(6); i++ {
			nextID++
			remote = append(remote, remoteScan("r"+strconv.Itoa(nextID), cards[rng.Intn(len(cards))], rng.Intn(20)*10))
		}

		once := service.Reconcile(local, remote)
		assertNoDuplicates(t, once)
		assertNewestFirst(t, once)

		twice := service.Reconcile(once, remote)
		if !reflect.DeepEqual(identities(once), identities(twice)) {
			t.Fatalf("round %d: not idempotent\nonce:  %v\ntwice: %v", round, identities(once), identities(twice))
		}

		for _, r := range remote {
			found := false
			for _, o := range once {
				if o.NaturalKey() == r.NaturalKey() {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("round %d: remote record %s lost", round, r.Identity())
			}
		}
	}
}

// naturalKey is the natural key of card scanned ms after base.
func naturalKey(card string, ms int) string {
	return "k:" + card + "|" + strconv.FormatInt(at(ms).UnixMilli(), 10)
}
