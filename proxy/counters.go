package proxy

import (
	"sync/atomic"
)

// FailureKind classifies an exchange that did not complete normally
type FailureKind int

const (
	FailureParse FailureKind = iota
	FailureRoute
	FailureConnect
	FailureServer
	FailureClient
	FailureTimeout
	FailureTLS
	numFailureKinds
)

func (k FailureKind) String() string {
	switch k {
	case FailureParse:
		return "parse"
	case FailureRoute:
		return "route"
	case FailureConnect:
		return "connect"
	case FailureServer:
		return "server"
	case FailureClient:
		return "client"
	case FailureTimeout:
		return "timeout"
	case FailureTLS:
		return "tls"
	default:
		return "unknown"
	}
}

// Direction of relayed bytes
type Direction int

const (
	// Upstream is client to backend
	Upstream Direction = iota
	// Downstream is backend to client
	Downstream
)

// Counters receives exchange statistics from every worker. Implementations
// must be safe for concurrent use.
type Counters interface {
	TransactionSucceeded()
	TransactionFailed(kind FailureKind)
	BytesRelayed(dir Direction, n int)
}

// SimpleCounters keeps totals in atomics
type SimpleCounters struct {
	succeeded atomic.Int64
	failed    [numFailureKinds]atomic.Int64
	bytes     [2]atomic.Int64
}

// NewSimpleCounters creates zeroed counters
func NewSimpleCounters() *SimpleCounters {
	return &SimpleCounters{}
}

func (c *SimpleCounters) TransactionSucceeded() {
	c.succeeded.Add(1)
}

func (c *SimpleCounters) TransactionFailed(kind FailureKind) {
	if kind < 0 || kind >= numFailureKinds {
		return
	}
	c.failed[kind].Add(1)
}

func (c *SimpleCounters) BytesRelayed(dir Direction, n int) {
	if dir != Upstream && dir != Downstream {
		return
	}
	c.bytes[dir].Add(int64(n))
}

// CounterSnapshot is a point-in-time copy of SimpleCounters
type CounterSnapshot struct {
	Succeeded  int64
	Failed     map[FailureKind]int64
	Upstream   int64
	Downstream int64
}

// TotalFailed sums failures of every kind
func (s CounterSnapshot) TotalFailed() int64 {
	var total int64
	for _, n := range s.Failed {
		total += n
	}
	return total
}

// Snapshot copies the current totals
func (c *SimpleCounters) Snapshot() CounterSnapshot {
	s := CounterSnapshot{
		Succeeded:  c.succeeded.Load(),
		Failed:     make(map[FailureKind]int64, numFailureKinds),
		Upstream:   c.bytes[Upstream].Load(),
		Downstream: c.bytes[Downstream].Load(),
	}
	for k := FailureKind(0); k < numFailureKinds; k++ {
		if n := c.failed[k].Load(); n > 0 {
			s.Failed[k] = n
		}
	}
	return s
}
