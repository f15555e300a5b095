package portpool

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"v2tester_nexus/internal/shared/logger"
	"v2tester_nexus/internal/shared/types"
)

// ErrPoolExhausted is returned by Acquire when every port is held.
var ErrPoolExhausted = errors.New("port pool exhausted")

// Pool 是固定大小的本地端口池。同一端口在被释放前不会被再次分配。
type Pool struct {
	mu        sync.Mutex
	free      []int
	inUse     map[int]struct{}
	size      int
	checkBind bool
	log       zerolog.Logger
}

// New creates a pool of conf.Size consecutive ports starting at conf.Base.
func New(conf types.PortsConf) (*Pool, error) {
	if conf.Size <= 0 {
		return nil, fmt.Errorf("port pool size must be positive, got %d", conf.Size)
	}
	if conf.Base <= 0 || conf.Base+conf.Size-1 > 65535 {
		return nil, fmt.Errorf("port range %d..%d is invalid", conf.Base, conf.Base+conf.Size-1)
	}
	p := &Pool{
		free:      make([]int, 0, conf.Size),
		inUse:     make(map[int]struct{}, conf.Size),
		size:      conf.Size,
		checkBind: conf.CheckBind,
		log:       logger.WithComponent("PortPool"),
	}
	for i := 0; i < conf.Size; i++ {
		p.free = append(p.free, conf.Base+i)
	}
	return p, nil
}

// Acquire hands out a free port without blocking. With check_bind enabled,
// ports currently bound by another program are rotated to the back of the
// free list and skipped.
func (p *Pool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for tries := len(p.free); tries > 0; tries-- {
		port := p.free[0]
		p.free = p.free[1:]
		if p.checkBind && !bindable(port) {
			p.log.Debug().Int("port", port).Msg("port busy outside the pool, skipping")
			p.free = append(p.free, port)
			continue
		}
		p.inUse[port] = struct{}{}
		return port, nil
	}
	return 0, ErrPoolExhausted
}

// Release 归还端口。重复释放或释放未分配的端口是无害的。
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[port]; !ok {
		return
	}
	delete(p.inUse, port)
	p.free = append(p.free, port)
}

// InUse returns the number of ports currently held.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Size returns the total number of ports managed by the pool.
func (p *Pool) Size() int { return p.size }

func bindable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
