package cursor

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCursorMonotonicProperty drives the cursor with arbitrary sequence
// streams (duplicates, gaps, jumps) and checks that the applied position
// never decreases and every persisted save is strictly increasing.
func TestCursorMonotonicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("applied and persisted positions never decrease", prop.ForAll(
		func(seqs []int64) bool {
			st := newTrackingStore()
			c := New(st, "sess-prop", nil, nil)
			ctx := context.Background()

			for _, seq := range seqs {
				before := c.Last()
				d := c.Observe(ctx, seq)
				if c.Last() < before {
					return false
				}
				if d.Accept && seq <= before {
					return false
				}
				// Complete the resume round-trip immediately so the
				// stream keeps exercising the accept path.
				if d.Resume {
					c.Boundary(ctx, 0)
				}
			}

			saves := st.saved()
			for i := 1; i < len(saves); i++ {
				if saves[i] <= saves[i-1] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 24)),
	))

	properties.TestingRun(t)
}
