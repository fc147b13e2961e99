/*
janitor.go - Periodic session expiry

PURPOSE:
  Authenticate already rejects an expired session, but a caller that never
  comes back would keep its ledger attached forever. The janitor sweeps
  expired sessions on a ticker so their ledgers are detached.

USAGE:
  j := session.NewJanitor(manager, logger)
  j.Start()
  // ... later
  j.Stop()
*/
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Janitor struct {
	Manager       *Manager
	CheckInterval time.Duration

	logger *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewJanitor(m *Manager, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		Manager:       m,
		CheckInterval: time.Minute,
		logger:        logger,
	}
}

// Start begins sweeping. Calling it twice is a no-op.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ticker != nil {
		return
	}

	j.ticker = time.NewTicker(j.CheckInterval)
	j.stop = make(chan struct{})
	j.wg.Add(1)
	go j.run()

	j.logger.Debug("session janitor started", zap.Duration("interval", j.CheckInterval))
}

func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.ticker != nil {
		j.ticker.Stop()
		close(j.stop)
		j.wg.Wait()
		j.ticker = nil
		j.logger.Debug("session janitor stopped")
	}
}

func (j *Janitor) run() {
	defer j.wg.Done()
	for {
		select {
		case <-j.ticker.C:
			j.Sweep()
		case <-j.stop:
			return
		}
	}
}

// Sweep expires sessions once, using the manager's clock.
func (j *Janitor) Sweep() int {
	n := j.Manager.ExpireSessions(j.Manager.cfg.Clock())
	if n > 0 {
		j.logger.Info("expired sessions", zap.Int("count", n))
	}
	return n
}
