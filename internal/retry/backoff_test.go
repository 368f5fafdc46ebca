package retry

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicyDelayWithinBounds(t *testing.T) {
	p := Policy{BaseMs: 1000, Factor: 2.0, MaxMs: 5000, JitterRatio: 0}
	rng := rand.New(rand.NewSource(1))

	for attempt, want := range map[int]time.Duration{
		1: 1000 * time.Millisecond,
		2: 2000 * time.Millisecond,
		3: 4000 * time.Millisecond,
		4: 5000 * time.Millisecond, // capped at MaxMs
	} {
		assert.Equal(t, want, p.Delay(attempt, rng))
	}
}

func TestPolicyBoundsMatchSpecFormula(t *testing.T) {
	p := Policy{BaseMs: 1000, Factor: 2.0, MaxMs: 5000, JitterRatio: 0.2}

	lo, hi := p.Bounds(3)
	assert.Equal(t, time.Duration(4000*0.8)*time.Millisecond, lo)
	assert.Equal(t, time.Duration(4000*1.2)*time.Millisecond, hi)

	// Delay must fall within the bounds across many jitter draws.
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		d := p.Delay(3, rng)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}
}

func TestJobIDSanitizesColons(t *testing.T) {
	id := JobID("event-retry", "orders:created", "e1")
	assert.Equal(t, "event-retry--orders_created--e1", id)
}

func TestWorkflowRetryJobID(t *testing.T) {
	id := WorkflowRetryJobID("checkout-flow", "run-1", "charge-card", 2)
	assert.Equal(t, "workflow-retry--checkout-flow--run-1--charge-card-2", id)
}
