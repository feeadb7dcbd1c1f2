package selector

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
)

func tickets(owners ...string) []Ticket {
	out := make([]Ticket, len(owners))
	for i, o := range owners {
		out[i] = Ticket{BoxNumber: uint32(i), Owner: o}
	}
	return out
}

func TestSelect_ScenarioA_OneWinnerFromTwo(t *testing.T) {
	ts := tickets("A", "B")
	winners, err := Select(ts, big.NewInt(12345), 1)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(winners) != 1 {
		t.Fatalf("expected 1 winner, got %v", winners)
	}
	if winners[0] != "A" && winners[0] != "B" {
		t.Errorf("winner %q not a participant", winners[0])
	}
	// The draw is hash(seed, 0) mod 2.
	idx := new(big.Int).Mod(Hash(big.NewInt(12345), 0), big.NewInt(2)).Int64()
	if winners[0] != ts[idx].Owner {
		t.Errorf("winner %q does not match ticket %d", winners[0], idx)
	}
}

func TestSelect_Deterministic(t *testing.T) {
	ts := tickets("A", "B", "A", "C", "D", "B", "E", "C")
	seed, _ := new(big.Int).SetString("98765432109876543210", 10)

	first, err := Select(ts, seed, 3)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := Select(ts, seed, 3)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if fmt.Sprint(again) != fmt.Sprint(first) {
			t.Fatalf("run %d: %v != %v", i, again, first)
		}
	}
}

func TestSelect_WinnersDistinctAndOwners(t *testing.T) {
	ts := tickets("A", "A", "A", "B", "B", "C", "D", "D", "E", "F")
	for s := int64(0); s < 200; s++ {
		winners, err := Select(ts, big.NewInt(s), 4)
		if err != nil {
			t.Fatalf("seed %d: %v", s, err)
		}
		if len(winners) != 4 {
			t.Fatalf("seed %d: expected 4 winners, got %v", s, winners)
		}
		seen := map[string]bool{}
		for _, w := range winners {
			if seen[w] {
				t.Fatalf("seed %d: duplicate winner %q in %v", s, w, winners)
			}
			seen[w] = true
		}
	}
}

func TestSelect_AllOwnersWhenNEqualsTickets(t *testing.T) {
	ts := tickets("A", "B", "C", "D")
	winners, err := Select(ts, big.NewInt(7), 4)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !SameSet(winners, []string{"A", "B", "C", "D"}) {
		t.Errorf("expected every owner, got %v", winners)
	}
}

func TestSelect_ProbesPastDominantOwner(t *testing.T) {
	// Nine of ten tickets belong to A: the second winner must be found by
	// probing forward, for every seed.
	ts := tickets("A", "A", "A", "A", "B", "A", "A", "A", "A", "A")
	for s := int64(0); s < 100; s++ {
		winners, err := Select(ts, big.NewInt(s), 2)
		if err != nil {
			t.Fatalf("seed %d: %v", s, err)
		}
		if !SameSet(winners, []string{"A", "B"}) {
			t.Fatalf("seed %d: expected {A,B}, got %v", s, winners)
		}
	}
}

func TestSelect_SingleOwnerCannotFillTwoWinners(t *testing.T) {
	_, err := Select(tickets("A", "A", "A"), big.NewInt(1), 2)
	if !errors.Is(err, ErrNotEnoughOwners) {
		t.Fatalf("expected ErrNotEnoughOwners, got %v", err)
	}
}

func TestSelect_InvalidInputs(t *testing.T) {
	if _, err := Select(nil, big.NewInt(1), 1); !errors.Is(err, ErrNoTickets) {
		t.Errorf("empty tickets: got %v", err)
	}
	if _, err := Select(tickets("A"), big.NewInt(1), 0); !errors.Is(err, ErrInvalidWinnerCount) {
		t.Errorf("zero winners: got %v", err)
	}
	if _, err := Select(tickets("A"), big.NewInt(-1), 1); !errors.Is(err, ErrInvalidSeed) {
		t.Errorf("negative seed: got %v", err)
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	if _, err := Select(tickets("A"), huge, 1); !errors.Is(err, ErrInvalidSeed) {
		t.Errorf("oversized seed: got %v", err)
	}
}

func TestVerify(t *testing.T) {
	ts := tickets("0xAa", "0xBb", "0xCc", "0xAa")
	seed := big.NewInt(424242)
	winners, err := Select(ts, seed, 2)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}

	reversed := []string{winners[1], winners[0]}
	if err := Verify(ts, seed, 2, reversed); err != nil {
		t.Errorf("order-independent verify failed: %v", err)
	}

	var other string
	for _, o := range []string{"0xAa", "0xBb", "0xCc"} {
		if !SameSet([]string{o}, []string{winners[0]}) && !SameSet([]string{o}, []string{winners[1]}) {
			other = o
		}
	}
	if err := Verify(ts, seed, 2, []string{winners[0], other}); err == nil {
		t.Error("expected mismatch for tampered winner set")
	}
	if err := Verify(ts, seed, 2, winners[:1]); err == nil {
		t.Error("expected mismatch for short winner set")
	}
}

func TestSameSet_CaseInsensitive(t *testing.T) {
	if !SameSet([]string{"0xABC", "0xdef"}, []string{"0xDEF", "0xabc"}) {
		t.Error("expected case-insensitive match")
	}
	if SameSet([]string{"0xabc", "0xabc"}, []string{"0xabc", "0xdef"}) {
		t.Error("duplicates must not match distinct set")
	}
}

func TestHash_MatchesABIEncoding(t *testing.T) {
	// Different indices and seeds must give different draws.
	a := Hash(big.NewInt(1), 0)
	b := Hash(big.NewInt(1), 1)
	c := Hash(big.NewInt(2), 0)
	if a.Cmp(b) == 0 || a.Cmp(c) == 0 {
		t.Error("hash collisions across index/seed")
	}
	if Hash(big.NewInt(1), 0).Cmp(a) != 0 {
		t.Error("hash not stable")
	}
}
