// Package selector implements deterministic winner selection over a raffle's
// ordered ticket list. It has no side effects: the same tickets, seed and
// winner count always produce the same winners, which lets the engine both
// compute a winner set and audit one reported by the ledger.
package selector

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNoTickets          = errors.New("selector: no tickets")
	ErrInvalidWinnerCount = errors.New("selector: winner count must be positive")
	ErrNotEnoughOwners    = errors.New("selector: fewer distinct owners than winners")
	ErrInvalidSeed        = errors.New("selector: seed must be a non-negative 256-bit integer")
)

// Ticket is one sold box. A user holding k boxes appears k times.
type Ticket struct {
	BoxNumber uint32
	Owner     string
}

// Hash returns keccak256(abi.encode(uint256 seed, uint256 index)), the draw
// for winner index i.
func Hash(seed *big.Int, index int) *big.Int {
	buf := make([]byte, 64)
	math.ReadBits(seed, buf[:32])
	math.ReadBits(big.NewInt(int64(index)), buf[32:])
	return new(big.Int).SetBytes(crypto.Keccak256(buf))
}

// Select picks n distinct owners. For each index i the draw Hash(seed, i) mod
// len(tickets) names a starting ticket; if its owner has already won, the
// search probes forward through the list, wrapping at the end, until it finds
// an owner that has not. Tickets must already be in box-number order.
func Select(tickets []Ticket, seed *big.Int, n int) ([]string, error) {
	if len(tickets) == 0 {
		return nil, ErrNoTickets
	}
	if n <= 0 {
		return nil, ErrInvalidWinnerCount
	}
	if seed == nil || seed.Sign() < 0 || seed.BitLen() > 256 {
		return nil, ErrInvalidSeed
	}
	if owners := DistinctOwners(tickets); owners < n {
		return nil, fmt.Errorf("%w: %d owners, %d winners", ErrNotEnoughOwners, owners, n)
	}

	count := big.NewInt(int64(len(tickets)))
	chosen := make(map[string]struct{}, n)
	winners := make([]string, 0, n)
	for i := 0; i < n; i++ {
		start := int(new(big.Int).Mod(Hash(seed, i), count).Int64())
		for step := 0; step < len(tickets); step++ {
			owner := tickets[(start+step)%len(tickets)].Owner
			if _, taken := chosen[owner]; taken {
				continue
			}
			chosen[owner] = struct{}{}
			winners = append(winners, owner)
			break
		}
	}
	return winners, nil
}

// Verify recomputes the winner set and compares it with reported, ignoring
// order. It returns nil when they match.
func Verify(tickets []Ticket, seed *big.Int, n int, reported []string) error {
	want, err := Select(tickets, seed, n)
	if err != nil {
		return err
	}
	if !SameSet(want, reported) {
		return fmt.Errorf("winner set mismatch: computed %v, reported %v", want, reported)
	}
	return nil
}

// SameSet reports whether a and b hold the same owners regardless of order.
// Owners compare case-insensitively since they are hex addresses.
func SameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := normalized(a)
	y := normalized(b)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// DistinctOwners counts the unique owners in tickets.
func DistinctOwners(tickets []Ticket) int {
	seen := make(map[string]struct{}, len(tickets))
	for _, t := range tickets {
		seen[t.Owner] = struct{}{}
	}
	return len(seen)
}

func normalized(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	sort.Strings(out)
	return out
}
