package proxy

import (
	"github.com/nczempin/uproxy-go-uring/router"
)

// pool keeps idle backend connections of one worker. Pooled sockets stay
// registered with the multiplexer so a backend closing them is noticed.
type pool struct {
	max  int
	idle map[*router.Backend][]*ServerSocket
}

func newPool(maxPerBackend int) *pool {
	return &pool{
		max:  maxPerBackend,
		idle: make(map[*router.Backend][]*ServerSocket),
	}
}

// get takes the most recently parked connection to b
func (p *pool) get(b *router.Backend) *ServerSocket {
	list := p.idle[b]
	if len(list) == 0 {
		return nil
	}
	s := list[len(list)-1]
	list[len(list)-1] = nil
	p.idle[b] = list[:len(list)-1]
	s.pooled = false
	return s
}

// put parks s. It reports false when the backend already has the maximum
// number of idle connections.
func (p *pool) put(s *ServerSocket) bool {
	list := p.idle[s.backend]
	if len(list) >= p.max {
		return false
	}
	s.tx.Recycle()
	s.pooled = true
	p.idle[s.backend] = append(list, s)
	return true
}

// forget drops s after the multiplexer removed it
func (p *pool) forget(s *ServerSocket) {
	list := p.idle[s.backend]
	for i, cand := range list {
		if cand == s {
			copy(list[i:], list[i+1:])
			list[len(list)-1] = nil
			p.idle[s.backend] = list[:len(list)-1]
			break
		}
	}
	s.pooled = false
}

// len returns the number of idle connections
func (p *pool) len() int {
	n := 0
	for _, list := range p.idle {
		n += len(list)
	}
	return n
}
