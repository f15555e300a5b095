// Package adaptive implements the feedback-driven concurrency controller.
package adaptive

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"v2tester_nexus/internal/shared/logger"
	"v2tester_nexus/internal/shared/settings"
	"v2tester_nexus/internal/shared/types"
)

// Stats is a point-in-time view of the controller.
type Stats struct {
	Current     int     `json:"current"`
	Floor       int     `json:"floor"`
	Ceiling     int     `json:"ceiling"`
	SuccessRate float64 `json:"success_rate"`
	Samples     int     `json:"samples"`
	CoolingDown bool    `json:"cooling_down"`
}

// Controller 基于最近 W 个结果的成功率调整并发度 (AIMD)：
// 低于低水位时减半，高于高水位时加性增长，二者都在窗口填满后评估，
// 调整后清空窗口。连续失败达到 cooldownAfter 次时插入一段冷却。
type Controller struct {
	mu            sync.Mutex
	window        []bool
	next          int
	filled        int
	current       int
	floor         int
	ceiling       int
	high          float64
	low           float64
	consecFail    int
	cooldownAfter int
	cooldown      time.Duration
	cooldownUntil time.Time
	limit         int // 硬上限 (端口池大小)，0 表示不限
	now           func() time.Time
	log           zerolog.Logger
}

func New(conf types.AdaptiveConf) *Controller {
	c := &Controller{
		window:        make([]bool, max(conf.Window, 1)),
		floor:         max(conf.Floor, 1),
		ceiling:       conf.Ceiling,
		high:          conf.HighWater,
		low:           conf.LowWater,
		cooldownAfter: conf.CooldownAfter,
		cooldown:      conf.Cooldown,
		now:           time.Now,
		log:           logger.WithComponent("Adaptive"),
	}
	if c.ceiling < c.floor {
		c.ceiling = c.floor
	}
	c.current = clamp(conf.Initial, c.floor, c.ceiling)
	return c
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

// LimitCeiling caps the ceiling at n, the number of local ports available
// to workers. Later settings updates are clamped to it as well.
func (c *Controller) LimitCeiling(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 {
		return
	}
	c.limit = n
	c.applyLimitLocked()
}

func (c *Controller) applyLimitLocked() {
	if c.limit <= 0 {
		return
	}
	if c.ceiling > c.limit {
		c.log.Warn().Int("ceiling", c.ceiling).Int("limit", c.limit).Msg("ceiling exceeds port pool size, clamping")
		c.ceiling = c.limit
	}
	c.floor = min(c.floor, c.ceiling)
	c.current = clamp(c.current, c.floor, c.ceiling)
}

// Observe feeds one outcome into the rolling window.
func (c *Controller) Observe(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.window[c.next] = success
	c.next = (c.next + 1) % len(c.window)
	if c.filled < len(c.window) {
		c.filled++
	}

	if success {
		c.consecFail = 0
	} else {
		c.consecFail++
		if c.cooldownAfter > 0 && c.consecFail >= c.cooldownAfter {
			c.cooldownUntil = c.now().Add(c.cooldown)
			c.consecFail = 0
			c.log.Debug().Dur("cooldown", c.cooldown).Msg("consecutive failures, cooling down dispatch")
		}
	}

	if c.filled < len(c.window) {
		return
	}
	rate := c.rateLocked()
	prev := c.current
	switch {
	case rate < c.low:
		c.current = max(c.current/2, c.floor)
	case rate > c.high:
		c.current = min(c.current+c.stepLocked(), c.ceiling)
	default:
		return
	}
	c.resetWindowLocked()
	if c.current != prev {
		c.log.Info().Int("from", prev).Int("to", c.current).Str("success_rate", fmt.Sprintf("%.2f", rate)).Msg("concurrency adjusted")
	}
}

func (c *Controller) stepLocked() int {
	return max(1, c.ceiling/8)
}

func (c *Controller) rateLocked() float64 {
	if c.filled == 0 {
		return 0
	}
	ok := 0
	for i := 0; i < c.filled; i++ {
		if c.window[i] {
			ok++
		}
	}
	return float64(ok) / float64(c.filled)
}

func (c *Controller) resetWindowLocked() {
	c.next, c.filled = 0, 0
}

// Current returns the concurrency level dispatch should honor.
func (c *Controller) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// CooldownRemaining returns how long dispatch should still pause.
func (c *Controller) CooldownRemaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.cooldownUntil.Sub(c.now()); d > 0 {
		return d
	}
	return 0
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Current:     c.current,
		Floor:       c.floor,
		Ceiling:     c.ceiling,
		SuccessRate: c.rateLocked(),
		Samples:     c.filled,
		CoolingDown: c.cooldownUntil.After(c.now()),
	}
}

// OnSettingsUpdate implements settings.ConfigurableModule for "adaptive".
func (c *Controller) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	s, ok := newSettings.(*settings.AdaptiveSettings)
	if !ok {
		return fmt.Errorf("adaptive: unexpected settings type %T for module %s", newSettings, moduleKey)
	}
	if s.Floor < 1 || s.Ceiling < s.Floor {
		return fmt.Errorf("adaptive: invalid bounds floor=%d ceiling=%d", s.Floor, s.Ceiling)
	}
	if s.LowWater < 0 || s.HighWater > 1 || s.LowWater >= s.HighWater {
		return fmt.Errorf("adaptive: invalid water marks low=%.2f high=%.2f", s.LowWater, s.HighWater)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.floor, c.ceiling = s.Floor, s.Ceiling
	c.high, c.low = s.HighWater, s.LowWater
	c.current = clamp(c.current, c.floor, c.ceiling)
	c.applyLimitLocked()
	c.log.Info().Int("floor", c.floor).Int("ceiling", c.ceiling).Int("current", c.current).Msg("adaptive settings updated")
	return nil
}
