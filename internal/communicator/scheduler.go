package communicator

import (
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/queue"
)

// scheduler picks which telemetry channel T3 ships next, weighted toward
// stateful (command results) so bulk stateless telemetry cannot starve
// command replies. Ties (equal remaining credit) are broken by whichever
// channel was served longest ago.
type scheduler struct {
	weights map[queue.Type]int
	credit  map[queue.Type]int
	served  map[queue.Type]time.Time
	order   []queue.Type
}

func newScheduler() *scheduler {
	s := &scheduler{
		weights: map[queue.Type]int{queue.TypeStateful: 3, queue.TypeStateless: 1},
		credit:  map[queue.Type]int{},
		served:  map[queue.Type]time.Time{},
		order:   []queue.Type{queue.TypeStateful, queue.TypeStateless},
	}
	for t, w := range s.weights {
		s.credit[t] = w
	}
	return s
}

// Next returns the channel to serve this round and advances internal state.
func (s *scheduler) Next() queue.Type {
	var best queue.Type
	bestCredit := -1
	for _, t := range s.order {
		c := s.credit[t]
		if c > bestCredit || (c == bestCredit && s.served[t].Before(s.served[best])) {
			best = t
			bestCredit = c
		}
	}

	s.credit[best]--
	s.served[best] = time.Now()
	if s.credit[queue.TypeStateful] <= 0 && s.credit[queue.TypeStateless] <= 0 {
		for t, w := range s.weights {
			s.credit[t] = w
		}
	}
	return best
}
