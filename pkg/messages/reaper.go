package messages

import (
	"time"

	"go.uber.org/zap"
)

// reaper closes sessions that have gone without traffic for the idle
// timeout. This is routine resource reclamation, not a failure: no event is
// posted and no post-mortem info is retained.
func (s *Service) reaper() {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.reapIdle(time.Now())
		}
	}
}

func (s *Service) reapIdle(now time.Time) {
	cutoff := now.Add(-s.opts.IdleTimeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, sess := range s.sessions {
		if sess.idleSince().Before(cutoff) {
			s.dropSessionLocked(sess)
			s.log.Debug("reaped idle session", zap.String("peer", string(sess.peer)))
		}
	}
}
