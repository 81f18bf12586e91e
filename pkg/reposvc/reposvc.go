// Package reposvc is the Repo Manager: it owns the main
// local repo's always-open database, a cache of every other database
// opened on demand (other local repos, and read-only peer shadows),
// and the per-repo node tree built from each database's persisted
// metadata.
package reposvc

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/develata/notevault/pkg/crypto"
	"github.com/develata/notevault/pkg/errkind"
	"github.com/develata/notevault/pkg/ids"
	"github.com/develata/notevault/pkg/log"
	"github.com/develata/notevault/pkg/nodetree"
	"github.com/develata/notevault/pkg/repodb"
)

const (
	localDirName   = "local"
	remotesDirName = "remotes"
	repoFileSuffix = ".redb"
)

// Handle is a DB opened through the Manager, either the always-open
// main repo, another local repo, or a read-only peer shadow.
type Handle struct {
	DB       *repodb.RepoDB
	Readonly bool
	Branch   *ids.PeerID // nil for local
	RepoName string
}

// Manager owns every open repo database in the process.
type Manager struct {
	ledgerDir    string
	mainRepoName string
	mainDB       *repodb.RepoDB

	cacheMu sync.RWMutex
	cache   map[string]*Handle // keyed by absolute db path
	group   singleflight.Group

	treesMu sync.Mutex
	trees   map[string]*nodetree.Tree // keyed by absolute db path

	identity *crypto.IdentityKeyPair
	repoKey  *crypto.RepoKey

	logger zerolog.Logger
}

// New opens the main local repo's database and returns a ready Manager
// for serving the vault-bound repo without a cache round-trip.
func New(ledgerDir, mainRepoName string) (*Manager, error) {
	path := localRepoPath(ledgerDir, mainRepoName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errkind.Wrap(errkind.IO, "create local repo dir", err)
	}
	db, err := repodb.Open(path, mainRepoName, false)
	if err != nil {
		return nil, err
	}
	return &Manager{
		ledgerDir:    ledgerDir,
		mainRepoName: mainRepoName,
		mainDB:       db,
		cache:        make(map[string]*Handle),
		trees:        make(map[string]*nodetree.Tree),
		logger:       log.WithComponent("reposvc"),
	}, nil
}

func localRepoPath(ledgerDir, name string) string {
	return filepath.Join(ledgerDir, localDirName, name+repoFileSuffix)
}

func shadowRepoPath(ledgerDir string, peer ids.PeerID, name string) string {
	return filepath.Join(ledgerDir, remotesDirName, string(peer), name+repoFileSuffix)
}

// SetIdentity records the process's stable identity key pair.
func (m *Manager) SetIdentity(identity *crypto.IdentityKeyPair) { m.identity = identity }

// Identity returns the process's identity key pair, if any.
func (m *Manager) Identity() *crypto.IdentityKeyPair { return m.identity }

// SetRepoKey records the current repo key, delivered after handshake.
func (m *Manager) SetRepoKey(key crypto.RepoKey) { m.repoKey = &key }

// RepoKey returns the current repo key, if one has been configured.
func (m *Manager) RepoKey() (crypto.RepoKey, bool) {
	if m.repoKey == nil {
		return crypto.RepoKey{}, false
	}
	return *m.repoKey, true
}

// RunOnLocalRepo is the closure helper used in place of opening the
// main repo through the cache: the main DB is never put in the cache
// because it is already held open for the process's lifetime.
func (m *Manager) RunOnLocalRepo(name string, fn func(*repodb.RepoDB) error) error {
	if name != m.mainRepoName {
		return errkind.Wrap(errkind.InvalidArgument, "run_on_local_repo: "+name+" is not the main repo", nil)
	}
	return fn(m.mainDB)
}

// MainRepoName returns the name of the always-open local repo.
func (m *Manager) MainRepoName() string { return m.mainRepoName }

// MainDB returns the always-open main repo database directly, for
// callers (pkg/session's Router construction) that need to build a
// VaultSync/Handler/Watcher over it once at startup instead of going
// through RunOnLocalRepo's per-call closure.
func (m *Manager) MainDB() *repodb.RepoDB { return m.mainDB }

// OpenDatabase opens a handle: branch == nil opens
// local/<name> (erroring if name is the main repo); branch == peer
// opens remotes/<peer>/<name>, always read-only.
func (m *Manager) OpenDatabase(branch *ids.PeerID, repoName string) (*Handle, error) {
	if branch == nil {
		if repoName == m.mainRepoName {
			return nil, errkind.Wrap(errkind.InvalidArgument, "open_database: use RunOnLocalRepo for the main repo", nil)
		}
		return m.openCached(localRepoPath(m.ledgerDir, repoName), repoName, false, nil, false)
	}
	return m.openCached(shadowRepoPath(m.ledgerDir, *branch, repoName), repoName, true, branch, false)
}

// EnsureShadow opens peer's shadow DB for repoName, creating the
// remotes/<peer>/ directory and the file itself on first interaction
// with that peer. This is the write-side counterpart to OpenDatabase,
// which treats a missing file as repo-not-found.
func (m *Manager) EnsureShadow(peer ids.PeerID, repoName string) (*Handle, error) {
	return m.openCached(shadowRepoPath(m.ledgerDir, peer, repoName), repoName, true, &peer, true)
}

// openCached is the double-checked-locking open path:
// a read lock for the common cache-hit path, singleflight to collapse
// concurrent first-opens of the same path into a single bbolt.Open.
func (m *Manager) openCached(path, repoName string, readonly bool, branch *ids.PeerID, create bool) (*Handle, error) {
	m.cacheMu.RLock()
	if h, ok := m.cache[path]; ok {
		m.cacheMu.RUnlock()
		return h, nil
	}
	m.cacheMu.RUnlock()

	v, err, _ := m.group.Do(path, func() (any, error) {
		m.cacheMu.Lock()
		defer m.cacheMu.Unlock()
		if h, ok := m.cache[path]; ok {
			return h, nil
		}
		if create {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, errkind.Wrap(errkind.IO, "create shadow repo dir", err)
			}
		} else if _, statErr := os.Stat(path); statErr != nil {
			return nil, errkind.Wrap(errkind.NotFound, "repo-not-found: "+path, statErr)
		}
		db, openErr := repodb.Open(path, repoName, readonly)
		if openErr != nil {
			return nil, openErr
		}
		h := &Handle{DB: db, Readonly: readonly, Branch: branch, RepoName: repoName}
		m.cache[path] = h
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// ListShadowsOnDisk enumerates remotes/*/.
func (m *Manager) ListShadowsOnDisk() ([]ids.PeerID, error) {
	entries, err := os.ReadDir(filepath.Join(m.ledgerDir, remotesDirName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, "list shadows on disk", err)
	}
	out := make([]ids.PeerID, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, ids.PeerID(e.Name()))
		}
	}
	return out, nil
}

// ListRepos lists the *.redb repo names within branch (nil for local).
func (m *Manager) ListRepos(branch *ids.PeerID) ([]string, error) {
	dir := filepath.Join(m.ledgerDir, localDirName)
	if branch != nil {
		dir = filepath.Join(m.ledgerDir, remotesDirName, string(*branch))
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, "list repos", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == repoFileSuffix {
			out = append(out, e.Name()[:len(e.Name())-len(repoFileSuffix)])
		}
	}
	return out, nil
}

// TreeFor returns the node tree for db, initializing it from persisted
// NodeMeta on first use.
func (m *Manager) TreeFor(db *repodb.RepoDB) (*nodetree.Tree, error) {
	m.treesMu.Lock()
	defer m.treesMu.Unlock()

	if t, ok := m.trees[db.Path]; ok {
		return t, nil
	}
	metas, err := db.ListNodeMeta()
	if err != nil {
		return nil, err
	}
	t := nodetree.New()
	t.Init(metas)
	m.trees[db.Path] = t
	return t, nil
}

// Close closes the main repo and every cached handle.
func (m *Manager) Close() error {
	var firstErr error
	if err := m.mainDB.Close(); err != nil {
		firstErr = err
	}
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	for _, h := range m.cache {
		if err := h.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
