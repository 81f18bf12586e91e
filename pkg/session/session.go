package session

import (
	"context"
	"reflect"
	"sync"

	"github.com/rs/zerolog"

	"github.com/develata/notevault/pkg/events"
	"github.com/develata/notevault/pkg/ids"
	"github.com/develata/notevault/pkg/log"
	"github.com/develata/notevault/pkg/metrics"
	"github.com/develata/notevault/pkg/proto"
	"github.com/develata/notevault/pkg/repodb"
	"github.com/develata/notevault/pkg/transport"
)

// Session is one connection's view into the Router: the active
// {branch, repo} pair, plus the broker subscription that mirrors it.
type Session struct {
	id     string
	router *Router
	conn   transport.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	activeBranch *ids.PeerID
	activeRepo   string
	subBroker    *events.Broker
	sub          events.Subscriber
	resub        chan struct{}
}

// New returns a Session bound to conn, starting on the Router's main
// local repo, a fresh connection's default view.
func New(router *Router, conn transport.Conn, id string) *Session {
	return &Session{
		id:         id,
		router:     router,
		conn:       conn,
		logger:     log.WithComponent("session").With().Str("session_id", id).Logger(),
		activeRepo: router.mainRepo,
		resub:      make(chan struct{}, 1),
	}
}

// Run decodes frames off conn until it errors or ctx is cancelled,
// dispatching each to the component its active repo selects, and
// forwards that repo's broadcasts back out concurrently. It returns
// when the connection closes.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.resubscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.forwardBroadcasts(ctx)
	}()
	defer func() {
		cancel()
		<-done
		s.mu.Lock()
		if s.subBroker != nil {
			s.subBroker.Unsubscribe(s.sub)
		}
		s.mu.Unlock()
	}()

	for {
		raw, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := proto.Decode(raw)
		if err != nil {
			s.sendError("malformed frame: " + err.Error())
			continue
		}
		if err := s.dispatch(frame); err != nil {
			s.logger.Warn().Err(err).Str("frame_type", frame.Type).Msg("session: dispatch failed")
			s.sendError(err.Error())
		}
	}
}

// forwardBroadcasts relays the currently-subscribed broker's envelopes
// to conn, skipping any envelope this same session produced, and
// re-reads the subscription whenever resubscribe swaps it out from
// under a branch/repo switch.
func (s *Session) forwardBroadcasts(ctx context.Context) {
	for {
		s.mu.Lock()
		sub := s.sub
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-s.resub:
			continue
		case env, ok := <-sub:
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-s.resub:
				}
				continue
			}
			if env.OriginConn == s.id {
				continue
			}
			data, err := proto.Encode(typeName(env.Message), env.Message)
			if err != nil {
				continue
			}
			if err := s.writeMessage(data); err != nil {
				return
			}
		}
	}
}

// resubscribe points the session at the broker for its current
// {branch, repo}, unsubscribing from whatever it was previously
// watching. Called on construction and after every SwitchBranch /
// SwitchRepo.
func (s *Session) resubscribe() {
	s.mu.Lock()
	oldBroker, oldSub := s.subBroker, s.sub
	branch, repo := s.activeBranch, s.activeRepo
	newBroker := s.router.brokerFor(branch, repo)
	newSub := newBroker.Subscribe()
	s.subBroker, s.sub = newBroker, newSub
	s.mu.Unlock()

	if oldBroker != nil {
		oldBroker.Unsubscribe(oldSub)
	}
	select {
	case s.resub <- struct{}{}:
	default:
	}
}

func (s *Session) setActive(branch *ids.PeerID, repo string) {
	s.mu.Lock()
	s.activeBranch, s.activeRepo = branch, repo
	s.mu.Unlock()
}

func (s *Session) snapshot() (*ids.PeerID, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeBranch, s.activeRepo
}

// readonly reports whether the session's current branch is a peer
// shadow, enforced read-only regardless of what the underlying
// repodb.RepoDB.Readonly flag says about the physical file.
func (s *Session) readonly() bool {
	branch, _ := s.snapshot()
	return branch != nil
}

// isMainVault reports whether the session is currently viewing the
// main local repo, the only repo with a bound VaultSync/Handler/SCM;
// other local repos and shadows are ledger-only.
func (s *Session) isMainVault() bool {
	branch, repo := s.snapshot()
	return s.router.isMain(branch, repo)
}

// withDB runs fn against the physical database the session's current
// {branch, repo} selects: the always-open main handle via
// RunOnLocalRepo, or a cache-opened handle (other local repo, or a
// peer shadow) otherwise.
func (s *Session) withDB(fn func(db *repodb.RepoDB) error) error {
	branch, repo := s.snapshot()
	if branch == nil && repo == s.router.mainRepo {
		return s.router.mgr.RunOnLocalRepo(repo, fn)
	}
	h, err := s.router.mgr.OpenDatabase(branch, repo)
	if err != nil {
		return err
	}
	return fn(h.DB)
}

// broadcast publishes msg to every other session sharing the current
// {branch, repo}'s broker, tagged with this session's id so its own
// forwarder skips the echo.
func (s *Session) broadcast(msg any) {
	branch, repo := s.snapshot()
	broker := s.router.brokerFor(branch, repo)
	broker.Publish(&events.Envelope{RepoName: repo, OriginConn: s.id, Message: msg})
}

func (s *Session) writeMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(data)
}

// send encodes msg under its own type name and writes it to conn. The
// wire type tag is the bare Go struct name (e.g. "Snapshot",
// "DocList"), matched verbatim by the dispatch switch in dispatch.go.
func (s *Session) send(msg any) error {
	data, err := proto.Encode(typeName(msg), msg)
	if err != nil {
		return err
	}
	metrics.FramesTotal.WithLabelValues(typeName(msg), "out").Inc()
	return s.writeMessage(data)
}

func (s *Session) sendError(msg string) {
	_ = s.send(proto.ErrorMsg{Message: msg})
}

// rejectReadonly answers a mutating request on a shadow branch with
// EditRejected and no state change.
func (s *Session) rejectReadonly() error {
	metrics.EditRejectedTotal.Inc()
	return s.send(proto.EditRejected{Reason: "active branch is a read-only shadow"})
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
