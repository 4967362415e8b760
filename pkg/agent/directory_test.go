package agent

import (
	"sync"
	"testing"
	"time"
)

func testCard(t *testing.T, name string) AgentCard {
	t.Helper()
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	card, err := BuildCard(id, name, "", nil, nil)
	if err != nil {
		t.Fatalf("card: %v", err)
	}
	return card
}

func TestDirectoryKeepsNewestObservation(t *testing.T) {
	t.Parallel()

	d := NewDirectory(time.Minute)
	now := time.Now()
	d.now = func() time.Time { return now }
	card := testCard(t, "bob")

	t1 := now.Add(-10 * time.Second)
	t2 := now.Add(-5 * time.Second)
	if !d.Upsert(card, t2) {
		t.Fatalf("first upsert should be accepted")
	}
	renamed := card
	renamed.Description = "older"
	if d.Upsert(renamed, t1) {
		t.Fatalf("older observation must not replace a newer one")
	}
	entry, ok := d.Get(card.PublicKey)
	if !ok || !entry.LastSeen.Equal(t2) || entry.Card.Description != "" {
		t.Fatalf("unexpected entry %#v", entry)
	}
	if !d.Upsert(renamed, t2) {
		t.Fatalf("equal observation time should replace")
	}
}

func TestDirectoryFreshnessAndSnapshot(t *testing.T) {
	t.Parallel()

	d := NewDirectory(time.Minute)
	now := time.Now()
	d.now = func() time.Time { return now }
	fresh := testCard(t, "zed")
	stale := testCard(t, "amy")
	d.Upsert(fresh, now.Add(-10*time.Second))
	d.Upsert(stale, now.Add(-2*time.Minute))

	all := d.Snapshot(0)
	if len(all) != 2 {
		t.Fatalf("expected two entries, got %d", len(all))
	}
	if all[0].Card.Name != "amy" || all[0].Fresh || !all[1].Fresh {
		t.Fatalf("unexpected ordering or freshness %#v", all)
	}
	if recent := d.Snapshot(time.Minute); len(recent) != 1 || recent[0].Card.Name != "zed" {
		t.Fatalf("expected max age to filter stale entry, got %#v", recent)
	}

	if removed := d.Evict(time.Minute); removed != 1 || d.Len() != 1 {
		t.Fatalf("expected one eviction, got %d (len %d)", removed, d.Len())
	}
	if !d.Remove(fresh.PublicKey) || d.Remove(fresh.PublicKey) {
		t.Fatalf("remove should report presence once")
	}
}

func TestDirectoryConcurrentUpsertSnapshot(t *testing.T) {
	t.Parallel()

	d := NewDirectory(time.Minute)
	cards := make([]AgentCard, 8)
	for i := range cards {
		cards[i] = testCard(t, "peer")
	}
	base := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				d.Upsert(cards[(i+w)%len(cards)], base.Add(time.Duration(i)*time.Millisecond))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				for _, e := range d.Snapshot(0) {
					if e.Card.PublicKey == "" {
						t.Errorf("snapshot returned an empty card")
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	if d.Len() != len(cards) {
		t.Fatalf("expected %d entries, got %d", len(cards), d.Len())
	}
	newest := make(map[string]time.Time, len(cards))
	for w := 0; w < 4; w++ {
		for i := 0; i < 200; i++ {
			key := cards[(i+w)%len(cards)].PublicKey
			if at := base.Add(time.Duration(i) * time.Millisecond); at.After(newest[key]) {
				newest[key] = at
			}
		}
	}
	for _, e := range d.Snapshot(0) {
		if !e.LastSeen.Equal(newest[e.Card.PublicKey]) {
			t.Fatalf("entry %s kept %s, want %s", e.Card.PublicKey, e.LastSeen, newest[e.Card.PublicKey])
		}
	}
}
