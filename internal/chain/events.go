package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// RaffleABI is the interface of the on-ledger raffle contract.
const RaffleABI = `[
{"type":"function","name":"createRaffle","stateMutability":"nonpayable","inputs":[
  {"name":"raffleId","type":"uint256"},{"name":"totalBoxes","type":"uint32"},{"name":"boxPrice","type":"uint256"},
  {"name":"totalWinners","type":"uint32"},{"name":"maxBoxesPerUser","type":"uint32"}],"outputs":[]},
{"type":"function","name":"purchaseBox","stateMutability":"nonpayable","inputs":[
  {"name":"raffleId","type":"uint256"},{"name":"buyer","type":"address"}],"outputs":[]},
{"type":"function","name":"requestRandomness","stateMutability":"nonpayable","inputs":[
  {"name":"raffleId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"cancelRaffle","stateMutability":"nonpayable","inputs":[
  {"name":"raffleId","type":"uint256"}],"outputs":[]},
{"type":"event","name":"BoxPurchased","anonymous":false,"inputs":[
  {"name":"raffleId","type":"uint256","indexed":true},{"name":"boxNumber","type":"uint32","indexed":false},
  {"name":"buyer","type":"address","indexed":true}]},
{"type":"event","name":"RaffleFull","anonymous":false,"inputs":[
  {"name":"raffleId","type":"uint256","indexed":true}]},
{"type":"event","name":"WinnerSelected","anonymous":false,"inputs":[
  {"name":"raffleId","type":"uint256","indexed":true},{"name":"winners","type":"address[]","indexed":false},
  {"name":"seed","type":"uint256","indexed":false}]}
]`

var raffleABI = mustParseABI(RaffleABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("parse raffle abi: %v", err))
	}
	return parsed
}

// EventKind names a ledger event the engine consumes.
type EventKind string

const (
	KindBoxPurchased   EventKind = "BoxPurchased"
	KindFull           EventKind = "RaffleFull"
	KindWinnerSelected EventKind = "WinnerSelected"
	KindUnknown        EventKind = "Unknown"
)

// EventTopics returns the topic0 hashes of every consumed event.
func EventTopics() []common.Hash {
	return []common.Hash{
		raffleABI.Events[string(KindBoxPurchased)].ID,
		raffleABI.Events[string(KindFull)].ID,
		raffleABI.Events[string(KindWinnerSelected)].ID,
	}
}

// Ref is the ledger ordering reference of an event.
type Ref struct {
	TxHash      common.Hash `json:"tx_hash"`
	LogIndex    uint        `json:"log_index"`
	BlockNumber uint64      `json:"block_number"`
}

// String is the dedup key: transaction hash and log position.
func (r Ref) String() string {
	return fmt.Sprintf("%s:%d", r.TxHash.Hex(), r.LogIndex)
}

// Event is one decoded ledger event. Invalid is set, and the payload left
// partial, when the log could not be decoded.
type Event struct {
	Kind      EventKind    `json:"kind"`
	RaffleID  snowflake.ID `json:"raffle_id"`
	Ref       Ref          `json:"ref"`
	BoxNumber uint32       `json:"box_number,omitempty"`
	Buyer     string       `json:"buyer,omitempty"`
	Winners   []string     `json:"winners,omitempty"`
	Seed      *big.Int     `json:"seed,omitempty"`
	Invalid   string       `json:"invalid,omitempty"`
}

// Decode turns a raw contract log into an Event.
func Decode(l types.Log) Event {
	ev := Event{
		Kind: KindUnknown,
		Ref:  Ref{TxHash: l.TxHash, LogIndex: l.Index, BlockNumber: l.BlockNumber},
	}
	if len(l.Topics) == 0 {
		ev.Invalid = "log has no topics"
		return ev
	}
	if len(l.Topics) > 1 {
		if id, ok := raffleIDFromBig(l.Topics[1].Big()); ok {
			ev.RaffleID = id
		}
	}

	event, err := raffleABI.EventByID(l.Topics[0])
	if err != nil {
		ev.Invalid = fmt.Sprintf("unknown event topic %s", l.Topics[0].Hex())
		return ev
	}
	ev.Kind = EventKind(event.Name)

	switch ev.Kind {
	case KindBoxPurchased:
		var out struct {
			RaffleId  *big.Int
			BoxNumber uint32
			Buyer     common.Address
		}
		if err := unpack(&out, event, l); err != nil {
			ev.Invalid = err.Error()
			return ev
		}
		ev.BoxNumber = out.BoxNumber
		ev.Buyer = out.Buyer.Hex()
		return withRaffleID(ev, out.RaffleId)

	case KindFull:
		var out struct {
			RaffleId *big.Int
		}
		if err := unpack(&out, event, l); err != nil {
			ev.Invalid = err.Error()
			return ev
		}
		return withRaffleID(ev, out.RaffleId)

	case KindWinnerSelected:
		var out struct {
			RaffleId *big.Int
			Winners  []common.Address
			Seed     *big.Int
		}
		if err := unpack(&out, event, l); err != nil {
			ev.Invalid = err.Error()
			return ev
		}
		ev.Winners = make([]string, len(out.Winners))
		for i, w := range out.Winners {
			ev.Winners[i] = w.Hex()
		}
		ev.Seed = out.Seed
		return withRaffleID(ev, out.RaffleId)
	}

	ev.Invalid = fmt.Sprintf("unhandled event %s", event.Name)
	return ev
}

func unpack(out any, event *abi.Event, l types.Log) error {
	if len(l.Data) > 0 {
		if err := raffleABI.UnpackIntoInterface(out, event.Name, l.Data); err != nil {
			return fmt.Errorf("unpack %s data: %w", event.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(l.Topics)-1 != len(indexed) {
		return fmt.Errorf("%s: expected %d indexed topics, got %d", event.Name, len(indexed), len(l.Topics)-1)
	}
	if err := abi.ParseTopics(out, indexed, l.Topics[1:]); err != nil {
		return fmt.Errorf("parse %s topics: %w", event.Name, err)
	}
	return nil
}

func withRaffleID(ev Event, id *big.Int) Event {
	rid, ok := raffleIDFromBig(id)
	if !ok {
		ev.Invalid = fmt.Sprintf("raffle id %v out of range", id)
		return ev
	}
	ev.RaffleID = rid
	return ev
}

func raffleIDFromBig(v *big.Int) (snowflake.ID, bool) {
	if v == nil || v.Sign() <= 0 || !v.IsInt64() {
		return 0, false
	}
	return snowflake.ID(v.Int64()), true
}
