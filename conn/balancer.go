package conn

import (
	"math/rand"

	"github.com/uber-go/atomic"

	"github.com/gridkv/gridkv-go/conf"
)

// Balancer picks which of n slave endpoints serves the next read.
type Balancer interface {
	Next(n int) int
}

// NewBalancer returns the balancer named in the config. Unknown names fall
// back to round robin - the config is validated before it gets here.
func NewBalancer(name string) Balancer {
	if name == conf.LoadBalancerRandom {
		return &RandomBalancer{}
	}
	return &RoundRobinBalancer{}
}

type RoundRobinBalancer struct {
	cursor atomic.Int64
}

func (b *RoundRobinBalancer) Next(n int) int {
	if n <= 0 {
		return 0
	}
	return int((b.cursor.Inc() - 1) % int64(n))
}

type RandomBalancer struct {
}

func (b *RandomBalancer) Next(n int) int {
	if n <= 0 {
		return 0
	}
	return rand.Intn(n)
}
