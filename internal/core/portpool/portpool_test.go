package portpool

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"v2tester_nexus/internal/shared/types"
)

func TestAcquireRelease(t *testing.T) {
	p, err := New(types.PortsConf{Base: 30000, Size: 2})
	require.NoError(t, err)

	a, err := p.Acquire()
	require.NoError(t, err)
	b, err := p.Acquire()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, p.InUse())

	_, err = p.Acquire()
	assert.True(t, errors.Is(err, ErrPoolExhausted))

	p.Release(a)
	p.Release(a)
	p.Release(12345)
	assert.Equal(t, 1, p.InUse())

	c, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestNewRejectsBadRange(t *testing.T) {
	_, err := New(types.PortsConf{Base: 65530, Size: 10})
	assert.Error(t, err)
	_, err = New(types.PortsConf{Base: 20000, Size: 0})
	assert.Error(t, err)
}

func TestAcquireSkipsBoundPorts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port
	if busy >= 65535 {
		t.Skip("ephemeral port at top of range")
	}

	p, err := New(types.PortsConf{Base: busy, Size: 2, CheckBind: true})
	require.NoError(t, err)
	port, err := p.Acquire()
	if err != nil {
		t.Skipf("neighbour port %d also busy", busy+1)
	}
	assert.Equal(t, busy+1, port, "bound port %s must be skipped", strconv.Itoa(busy))
}

// 并发获取时任意时刻都不会有两个调用者持有同一端口。
func TestConcurrentExclusivity(t *testing.T) {
	p, err := New(types.PortsConf{Base: 31000, Size: 8})
	require.NoError(t, err)

	var (
		holders  sync.Map
		overlaps atomic.Int32
		wg       sync.WaitGroup
	)
	for w := 0; w < 32; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				port, err := p.Acquire()
				if err != nil {
					continue
				}
				if _, loaded := holders.LoadOrStore(port, struct{}{}); loaded {
					overlaps.Add(1)
				}
				holders.Delete(port)
				p.Release(port)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, overlaps.Load())
	assert.Zero(t, p.InUse())
}
