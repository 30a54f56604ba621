package communicator

import (
	"testing"

	"github.com/Will-Luck/Docker-Sentinel/internal/queue"
)

func TestSchedulerFavorsStatefulThreeToOne(t *testing.T) {
	s := newScheduler()

	counts := map[queue.Type]int{}
	const rounds = 8 // two full weight cycles (3+1 = 4 picks per cycle)
	for i := 0; i < rounds; i++ {
		counts[s.Next()]++
	}

	if counts[queue.TypeStateful] != 6 {
		t.Fatalf("stateful picks = %d, want 6", counts[queue.TypeStateful])
	}
	if counts[queue.TypeStateless] != 2 {
		t.Fatalf("stateless picks = %d, want 2", counts[queue.TypeStateless])
	}
}
