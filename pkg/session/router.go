// Package session implements the Session Router: the
// per-connection state machine that sits between a transport.Conn and
// the rest of the engine, dispatching every wire message to the repo
// database, node tree, vault sync, watcher, source-control layer, and
// sync engine that the connection's currently active branch/repo
// selects, and enforcing the read-only policy a shadow branch carries.
package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/develata/notevault/pkg/crypto"
	"github.com/develata/notevault/pkg/events"
	"github.com/develata/notevault/pkg/ids"
	"github.com/develata/notevault/pkg/log"
	"github.com/develata/notevault/pkg/nodetree"
	"github.com/develata/notevault/pkg/reposvc"
	"github.com/develata/notevault/pkg/scm"
	"github.com/develata/notevault/pkg/syncengine"
	"github.com/develata/notevault/pkg/vaultsync"
	"github.com/develata/notevault/pkg/watcher"
)

// Router owns every long-lived, repo-scoped component a Session's
// dispatch needs, and hands out the broker/sync-engine pair for any
// (branch, repo) a connection switches to. One Router is shared by
// every Session in a process; only the {branch, repo} view is
// per-connection.
type Router struct {
	mgr       *reposvc.Manager
	mainRepo  string
	vaultRoot string
	localPeer ids.PeerID
	identity  *crypto.IdentityKeyPair

	mainVS      *vaultsync.VaultSync
	mainTree    *nodetree.Tree
	mainHandler *watcher.Handler
	mainSCM     *scm.SCM
	mainBroker  *events.Broker
	mainWatcher *watcher.Watcher
	mainSyncer  *vaultsync.Syncer

	mu      sync.Mutex
	engines map[string]*syncengine.Engine
	brokers map[string]*events.Broker

	logger zerolog.Logger
}

// NewRouter builds the main local repo's full component set (VaultSync,
// node tree, FS Event Handler, source-control layer, and its own event
// broker) and returns a Router ready to serve sessions. It does not
// start a filesystem watcher; call StartWatcher for that once the
// initial Scan has run; the serve command controls that ordering.
func NewRouter(mgr *reposvc.Manager, vaultRoot string, snapshotDepth int, localPeer ids.PeerID, identity *crypto.IdentityKeyPair) (*Router, error) {
	db := mgr.MainDB()
	tree, err := mgr.TreeFor(db)
	if err != nil {
		return nil, err
	}

	vs := vaultsync.New(db, vaultRoot, localPeer, snapshotDepth)
	broker := events.NewBroker()
	broker.Start()
	handler := watcher.NewHandler(vs, tree, broker)

	r := &Router{
		mgr:         mgr,
		mainRepo:    mgr.MainRepoName(),
		vaultRoot:   vaultRoot,
		localPeer:   localPeer,
		identity:    identity,
		mainVS:      vs,
		mainTree:    tree,
		mainHandler: handler,
		mainSCM:     scm.New(db, vs),
		mainBroker:  broker,
		engines:     make(map[string]*syncengine.Engine),
		brokers:     make(map[string]*events.Broker),
		logger:      log.WithComponent("session-router"),
	}
	r.brokers[brokerKey(nil, r.mainRepo)] = broker
	r.engines[r.mainRepo] = syncengine.New(localPeer, mgr)
	return r, nil
}

// Scan runs an initial vault scan over the main repo, reconciling the
// on-disk tree with the path/inode index before the
// watcher takes over incremental updates.
func (r *Router) Scan() error {
	return r.mainVS.Scan()
}

// MainRepoName returns the name of the Router's always-open main repo.
func (r *Router) MainRepoName() string { return r.mainRepo }

// LocalPeer returns the Router's local peer-id.
func (r *Router) LocalPeer() ids.PeerID { return r.localPeer }

// StartWatcher starts the main repo's recursive fsnotify watch in its
// own goroutine and records it so Close can stop it. Calling it more
// than once is a programmer error; the caller (cmd/notevault's serve
// command) owns this lifecycle.
func (r *Router) StartWatcher() error {
	w, err := watcher.New(r.mainVS, r.mainHandler)
	if err != nil {
		return err
	}
	r.mainWatcher = w
	go w.Run()
	return nil
}

// StartPolling runs a periodic scan/reconcile loop in place of the
// fsnotify watcher, for vaults on filesystems where inotify is
// unreliable (network mounts). The serve command picks one of
// StartWatcher and StartPolling, never both.
func (r *Router) StartPolling(interval time.Duration) {
	r.mainSyncer = vaultsync.NewSyncer(r.mainVS, interval)
	r.mainSyncer.Start()
}

// Close stops the watcher, if running, and every broker's distribution
// goroutine.
func (r *Router) Close() {
	if r.mainWatcher != nil {
		r.mainWatcher.Stop()
	}
	if r.mainSyncer != nil {
		r.mainSyncer.Stop()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.brokers {
		b.Stop()
	}
}

func brokerKey(branch *ids.PeerID, repoName string) string {
	if branch == nil {
		return "local/" + repoName
	}
	return "remote/" + string(*branch) + "/" + repoName
}

// engineFor returns the sync engine scoped to repoName, creating one on
// first use. One engine instance tracks one version vector, scoped to
// a locally-visible repo name, since a shadow of the same logical repo
// shares the main repo's name.
func (r *Router) engineFor(repoName string) *syncengine.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[repoName]
	if !ok {
		e = syncengine.New(r.localPeer, r.mgr)
		r.engines[repoName] = e
	}
	return e
}

// brokerFor returns the broadcast broker for (branch, repoName),
// creating and starting one on first use. Shadow repos get their own
// broker even though nothing but the sync engine writes to them today,
// so a future multi-session shadow browser still fans out correctly.
func (r *Router) brokerFor(branch *ids.PeerID, repoName string) *events.Broker {
	key := brokerKey(branch, repoName)
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.brokers[key]
	if !ok {
		b = events.NewBroker()
		b.Start()
		r.brokers[key] = b
	}
	return b
}

// isMain reports whether (branch, repoName) names the always-open main
// local repo this Router was built around.
func (r *Router) isMain(branch *ids.PeerID, repoName string) bool {
	return branch == nil && repoName == r.mainRepo
}

// EngineFor exposes engineFor for callers outside the package, such as
// the metrics collector sampling per-repo pending-buffer depth.
func (r *Router) EngineFor(repoName string) *syncengine.Engine {
	return r.engineFor(repoName)
}
