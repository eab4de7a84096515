package workerpool

import (
	"context"
	"fmt"
	"time"

	"chathub/internal/logging"
)

// monitor calls AutoResize every MonitorInterval until shutdown.
func (p *Pool) monitor() {
	defer close(p.monitorDone)

	ticker := time.NewTicker(p.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopMonitor:
			return
		case <-ticker.C:
			p.monitorTick()
		}
	}
}

// monitorTick contains any panic to the current iteration.
func (p *Pool) monitorTick() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(context.Background(), logging.ComponentPool, logging.ActionMonitor, "Pool monitor iteration failed", fmt.Errorf("panic: %v", r))
		}
	}()
	p.AutoResize()
}
