package timeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestInterleavedSendsFoldToServerOrder checks that local echoes fold into
// server order: events arrive in server order, any subset of them are our
// own sends whose local echo is added just before its server echo (matched
// by transaction id), and any subset are delivered twice. The final timeline
// is the canonical server order with no duplicates, led by a day divider.
// Local sends overtaken by other remote arrivals are not generated.
func TestInterleavedSendsFoldToServerOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	base := time.Date(2024, 5, 14, 9, 0, 0, 0, time.UTC)

	properties.Property("local echoes reconcile into canonical server order", prop.ForAll(
		func(localFirst []bool, redeliver []bool) bool {
			h := New()
			ctx := context.Background()
			n := len(localFirst)

			// Events arrive in server order. Messages flagged localFirst are
			// our own sends: the optimistic local item goes in first and its
			// server echo reconciles it, possibly delivered twice.
			for i := 0; i < n; i++ {
				ts := base.Add(time.Duration(i) * time.Minute)
				if localFirst[i] {
					h.HandleEvent(ctx, LocalFlow{TxnID: txnOf(i)}, RawEvent{
						Sender:    "@alice:example.org",
						Timestamp: ts,
						Kind:      MessageEvent{Body: bodyOf(i)},
					})
				}
				flow := RemoteFlow{EventID: eventOf(i), Position: EndPosition{}}
				if localFirst[i] {
					flow.TxnID = txnOf(i)
				}
				raw := RawEvent{
					EventID:   eventOf(i),
					Sender:    "@alice:example.org",
					Timestamp: ts,
					Kind:      MessageEvent{Body: bodyOf(i)},
				}
				h.HandleEvent(ctx, flow, raw)
				if i < len(redeliver) && redeliver[i] {
					h.HandleEvent(ctx, flow, raw)
				}
			}

			items := h.Snapshot()
			if len(items) == 0 {
				return n == 0
			}
			if _, ok := items[0].Kind.(DayDividerKind); !ok {
				return false
			}

			var ids []string
			prevWasDivider := false
			for _, it := range items {
				if _, ok := it.Kind.(DayDividerKind); ok {
					if prevWasDivider {
						return false // no two adjacent dividers
					}
					prevWasDivider = true
					continue
				}
				prevWasDivider = false
				id, ok := it.EventID()
				if !ok {
					return false // every item reconciled to its remote form
				}
				ids = append(ids, id)
			}

			if len(ids) != n {
				return false
			}
			for i, id := range ids {
				if id != eventOf(i) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(6, gen.Bool()),
		gen.SliceOfN(6, gen.Bool()),
	))

	properties.TestingRun(t)
}

func txnOf(i int) string   { return fmt.Sprintf("txn-%d", i) }
func eventOf(i int) string { return fmt.Sprintf("$e%d", i) }
func bodyOf(i int) string  { return fmt.Sprintf("message %d", i) }
