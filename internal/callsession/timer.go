package callsession

import "AgentDesk/internal/domain"

// startTimerLocked replaces any running duration timer with a fresh one.
func (c *Controller) startTimerLocked() {
	c.stopTimerLocked()

	stop := make(chan struct{})
	ticker := c.newTicker(c.tickInterval)
	c.timerStop = stop

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				c.tick(stop)
			}
		}
	}()
}

func (c *Controller) stopTimerLocked() {
	if c.timerStop != nil {
		close(c.timerStop)
		c.timerStop = nil
	}
}

// tick ignores ticks from a timer that has already been replaced or stopped.
func (c *Controller) tick(stop chan struct{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.timerStop != stop {
		return
	}
	if c.call.State != domain.CallStateActive {
		return
	}
	c.call.DurationSeconds++
}

// TimerRunning reports whether a duration timer is live.
func (c *Controller) TimerRunning() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.timerStop != nil
}
