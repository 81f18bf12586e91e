package vaultsync

import (
	"sync"
	"time"
)

const defaultScanInterval = 10 * time.Second

// Syncer drives a VaultSync on a periodic scan/reconcile loop, for
// deployments without a live filesystem watcher (network mounts,
// platforms where inotify is unreliable). A plain ticker loop: Start
// spawns run, Stop closes stopCh.
type Syncer struct {
	vs       *VaultSync
	interval time.Duration
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewSyncer wraps vs with a periodic full scan + reconcile-all loop.
// interval <= 0 uses the default of 10 seconds.
func NewSyncer(vs *VaultSync, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = defaultScanInterval
	}
	return &Syncer{vs: vs, interval: interval}
}

// Start begins the loop in a background goroutine.
func (s *Syncer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	go s.run(s.stopCh)
}

// Stop ends the loop.
func (s *Syncer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
}

func (s *Syncer) run(stopCh chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.vs.logger.Info().Msg("vault syncer started")
	for {
		select {
		case <-ticker.C:
			if err := s.cycle(); err != nil {
				s.vs.logger.Error().Err(err).Msg("sync cycle failed")
			}
		case <-stopCh:
			s.vs.logger.Info().Msg("vault syncer stopped")
			return
		}
	}
}

func (s *Syncer) cycle() error {
	if err := s.vs.Scan(); err != nil {
		return err
	}
	docs, err := s.vs.db.ListDocs()
	if err != nil {
		return err
	}
	for _, d := range docs {
		if _, err := s.vs.ReconcileDoc(d.DocID); err != nil {
			s.vs.logger.Warn().Err(err).Str("path", d.Path).Msg("reconcile failed")
		}
	}
	return nil
}
