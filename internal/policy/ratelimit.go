package policy

import (
	"sync"
	"time"
)

// Rate limit windows. The generic limit is keyed by (workbranch, command
// prefix); the agent tier is keyed by caller session id and tracked through
// two independent windows.
const (
	genericWindow   = time.Minute
	agentMinWindow  = time.Minute
	agentHourWindow = time.Hour

	// commandPrefixLen is how much of the command participates in the
	// generic rate-limit key.
	commandPrefixLen = 50
)

// windowCounter is a fixed-window counter that resets when its window
// elapses.
type windowCounter struct {
	count       int
	windowStart time.Time
}

// rateLimiter tracks command submission rates. It is internal to the Engine;
// the Engine consults it as the final pipeline stage.
type rateLimiter struct {
	mu      sync.Mutex
	generic map[string]*windowCounter // "<workbranch>|<prefix>" → counter
	agent   map[string]*agentCounters // caller session id → counters

	genericCeiling int
	agentPerMin    int
	agentPerHour   int

	nowFn func() time.Time // injectable clock for testing
}

type agentCounters struct {
	minute windowCounter
	hour   windowCounter
}

func newRateLimiter(genericCeiling, agentPerMin, agentPerHour int) *rateLimiter {
	return &rateLimiter{
		generic:        make(map[string]*windowCounter),
		agent:          make(map[string]*agentCounters),
		genericCeiling: genericCeiling,
		agentPerMin:    agentPerMin,
		agentPerHour:   agentPerHour,
		nowFn:          time.Now,
	}
}

// allowGeneric increments the counter for (workbranch, command prefix) and
// reports whether the command stays under the per-minute ceiling.
func (rl *rateLimiter) allowGeneric(workbranch, command string) bool {
	key := workbranch + "|" + prefixKey(command)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	c := rl.generic[key]
	if c == nil {
		c = &windowCounter{windowStart: now}
		rl.generic[key] = c
	}
	c.tick(now, genericWindow)
	c.count++
	return c.count <= rl.genericCeiling
}

// allowAgent increments both agent-tier counters for the caller session and
// reports whether the command stays under the per-minute and per-hour
// ceilings.
func (rl *rateLimiter) allowAgent(callerSessionID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	c := rl.agent[callerSessionID]
	if c == nil {
		c = &agentCounters{
			minute: windowCounter{windowStart: now},
			hour:   windowCounter{windowStart: now},
		}
		rl.agent[callerSessionID] = c
	}
	c.minute.tick(now, agentMinWindow)
	c.hour.tick(now, agentHourWindow)
	c.minute.count++
	c.hour.count++
	return c.minute.count <= rl.agentPerMin && c.hour.count <= rl.agentPerHour
}

// tick resets the counter when its window has elapsed.
func (w *windowCounter) tick(now time.Time, window time.Duration) {
	if now.Sub(w.windowStart) >= window {
		w.count = 0
		w.windowStart = now
	}
}

func prefixKey(command string) string {
	if len(command) > commandPrefixLen {
		return command[:commandPrefixLen]
	}
	return command
}
