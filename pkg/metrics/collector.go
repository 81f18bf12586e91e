package metrics

import (
	"time"

	"github.com/develata/notevault/pkg/repodb"
	"github.com/develata/notevault/pkg/reposvc"
	"github.com/develata/notevault/pkg/syncengine"
)

// Collector periodically samples reposvc.Manager and the sync engines
// serving it, and publishes the results as gauges.
type Collector struct {
	mgr      *reposvc.Manager
	engineOf func(repoName string) *syncengine.Engine
	stopCh   chan struct{}
}

// NewCollector creates a collector bound to mgr. engineOf resolves a repo
// name to its sync engine for pending-buffer sampling; callers typically
// pass a pkg/session.Router's engine lookup.
func NewCollector(mgr *reposvc.Manager, engineOf func(repoName string) *syncengine.Engine) *Collector {
	return &Collector{
		mgr:      mgr,
		engineOf: engineOf,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectRepoMetrics()
}

func (c *Collector) collectRepoMetrics() {
	repos, err := c.mgr.ListRepos(nil)
	if err != nil {
		return
	}

	for _, name := range repos {
		_ = c.mgr.RunOnLocalRepo(name, func(db *repodb.RepoDB) error {
			docs, err := db.ListDocs()
			if err != nil {
				return err
			}
			DocsTrackedTotal.WithLabelValues(name).Set(float64(len(docs)))
			return nil
		})

		if c.engineOf == nil {
			continue
		}
		eng := c.engineOf(name)
		if eng == nil {
			continue
		}
		info := eng.PendingInfo()
		PendingOpsDepth.WithLabelValues(name).Set(float64(info.Count))
	}
}
