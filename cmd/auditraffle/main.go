// cmd/auditraffle/main.go recomputes a completed raffle's winner set from the
// recorded tickets and seed, and compares it with the winners the engine stored.
//
// Usage:
//
//	go run ./cmd/auditraffle/ --raffle 1790000000000000000 \
//	  --driver postgres --dsn postgres://raffle@localhost/raffle
//
// Exit status is 0 when the sets match, 1 on a mismatch and 2 when the audit
// could not run.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/0gfoundation/0g-raffle/internal/raffle"
	"github.com/0gfoundation/0g-raffle/internal/selector"
	"github.com/0gfoundation/0g-raffle/internal/store"
)

func main() {
	raffleID := flag.String("raffle", "", "raffle id (required)")
	driver := flag.String("driver", envOr("DB_DRIVER", "sqlite"), "database driver: sqlite | postgres")
	dsn := flag.String("dsn", envOr("DB_DSN", "file:raffle.db?_pragma=busy_timeout(5000)"), "database DSN")
	flag.Parse()

	if *raffleID == "" {
		fmt.Fprintln(os.Stderr, "error: --raffle is required")
		os.Exit(2)
	}
	id, err := snowflake.ParseString(*raffleID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid raffle id %q\n", *raffleID)
		os.Exit(2)
	}

	db, err := store.Open(*driver, *dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	st := store.New(db)
	defer st.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rep, err := audit(ctx, st, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("raffle:    %s\n", id)
	fmt.Printf("tickets:   %d\n", rep.Tickets)
	fmt.Printf("seed:      %s\n", rep.Seed)
	fmt.Printf("recorded:  %v\n", rep.Recorded)
	if rep.Err != nil {
		fmt.Printf("result:    MISMATCH (%v)\n", rep.Err)
		os.Exit(1)
	}
	fmt.Println("result:    OK")
}

type report struct {
	Tickets  int
	Seed     string
	Recorded []string
	// Err is the verification failure, nil when the sets match.
	Err error
}

// audit loads what the engine recorded for a completed raffle and re-runs the
// selection over it.
func audit(ctx context.Context, st *store.Store, id snowflake.ID) (*report, error) {
	r, err := st.Raffle(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != raffle.StatusCompleted {
		return nil, fmt.Errorf("raffle %s is %s, only completed raffles can be audited", id, r.Status)
	}
	seed, ok := new(big.Int).SetString(r.RandomSeed, 10)
	if !ok {
		return nil, fmt.Errorf("raffle %s has malformed seed %q", id, r.RandomSeed)
	}

	boxes, err := st.Tickets(ctx, id)
	if err != nil {
		return nil, err
	}
	tickets := make([]selector.Ticket, len(boxes))
	for i, b := range boxes {
		tickets[i] = selector.Ticket{BoxNumber: b.BoxNumber, Owner: b.OwnerUserID}
	}

	ws, err := st.Winners(ctx, id)
	if err != nil {
		return nil, err
	}
	recorded := make([]string, len(ws))
	for i, w := range ws {
		recorded[i] = w.UserID
	}

	return &report{
		Tickets:  len(tickets),
		Seed:     r.RandomSeed,
		Recorded: recorded,
		Err:      selector.Verify(tickets, seed, int(r.TotalWinners), recorded),
	}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
