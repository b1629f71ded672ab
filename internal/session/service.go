package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ex10-server/internal/logging"
	"ex10-server/internal/metrics"
	"ex10-server/internal/sandbox"
	"ex10-server/internal/session/journal"
)

// PortAllocator hands out display ports.
type PortAllocator interface {
	Allocate() (int, error)
	Release(port int)
}

// IdentityProvisioner manages per-session OS accounts.
type IdentityProvisioner interface {
	CreateUser(ctx context.Context, name string) error
	DeleteUser(ctx context.Context, name string) error
}

// NetworkIsolator manages per-session egress rules.
type NetworkIsolator interface {
	Apply(ctx context.Context, user string, port int) error
	Revoke(ctx context.Context, user string) error
}

// ProcessSupervisor manages the display server of a session.
type ProcessSupervisor interface {
	Start(ctx context.Context, user string, port int) error
	Stop(ctx context.Context, user string) error
	PID(ctx context.Context, user string) (int, error)
	WaitReady(ctx context.Context, port int) error
}

// Seeder fills a fresh sandbox with its initial files.
type Seeder interface {
	SeedExtension(ctx context.Context, user string) error
	SeedCompanion(ctx context.Context, user, sessionID string) error
}

// FileRelay writes files into a sandbox as its user.
type FileRelay interface {
	WriteFile(ctx context.Context, user, relPath string, content []byte) (string, error)
}

// Progress is one step report emitted while a session is created.
type Progress struct {
	Step    string `json:"step"`
	Message string `json:"message"`
}

// ProgressFunc receives progress reports. It must not block for long.
type ProgressFunc func(Progress)

// CleanupReport summarizes a teardown.
type CleanupReport struct {
	SessionID string   `json:"sessionId"`
	Success   bool     `json:"success"`
	Errors    []string `json:"errors,omitempty"`
}

// Deps are the collaborators of a Service.
type Deps struct {
	Ports      PortAllocator
	Identity   IdentityProvisioner
	Network    NetworkIsolator
	Supervisor ProcessSupervisor
	Seeder     Seeder
	Relay      FileRelay
	Journal    journal.Journal

	UsernamePrefix string
	Logger         *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithIDGenerator replaces the random session id source.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(s *Service) { s.newID = gen }
}

// WithUsernameGenerator replaces the random username source.
func WithUsernameGenerator(gen func(prefix string) (string, error)) Option {
	return func(s *Service) { s.newUsername = gen }
}

// Service orchestrates session creation and teardown.
type Service struct {
	deps     Deps
	registry *Registry
	locks    *keyedMutex
	logger   *zap.Logger

	newID       func() (string, error)
	newUsername func(prefix string) (string, error)

	mu      sync.Mutex
	partial map[string]Session
	hooks   []func(id string)
}

// NewService creates a Service over registry.
func NewService(registry *Registry, deps Deps, opts ...Option) *Service {
	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}
	s := &Service{
		deps:        deps,
		registry:    registry,
		locks:       newKeyedMutex(),
		logger:      logging.OrGlobal(deps.Logger).Named("session"),
		newID:       NewSessionID,
		newUsername: sandbox.NewUsername,
		partial:     make(map[string]Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSessionID returns 32 hex characters from 16 random bytes.
func NewSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// OnCleanup registers fn to run after a session is torn down.
func (s *Service) OnCleanup(fn func(id string)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Registry returns the live session registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// GetSessionByID looks up a live session.
func (s *Service) GetSessionByID(id string) (Session, error) {
	sess, ok := s.registry.Get(id)
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

// List returns every live session.
func (s *Service) List() []Session {
	return s.registry.List()
}

// CreateSession provisions a new sandbox: port, user, firewall, seeded
// extension directories and the display server. Any failing step aborts;
// what was created stays in place and can be removed with CleanupSession
// using the id carried by the *ProvisioningError.
func (s *Service) CreateSession(ctx context.Context, progress ProgressFunc) (Session, error) {
	if progress == nil {
		progress = func(Progress) {}
	}
	start := time.Now()

	id, err := s.newID()
	if err != nil {
		return Session{}, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	if existing, ok := s.registry.Get(id); ok {
		existing.IsNew = false
		return existing, nil
	}

	sess := Session{ID: id, CreatedAt: time.Now().UTC()}
	log := s.logger.With(zap.String("session_id", id))

	fail := func(step string, err error) (Session, error) {
		metrics.Get().RecordSessionCreate(step, false, time.Since(start))
		log.Error("session provisioning failed", zap.String("step", step), zap.Error(err))
		return Session{}, &ProvisioningError{
			SessionID:   id,
			Username:    sess.Username,
			DisplayPort: sess.DisplayPort,
			Step:        step,
			Err:         err,
		}
	}

	port, err := s.deps.Ports.Allocate()
	if err != nil {
		return fail(StepPort, err)
	}
	sess.DisplayPort = port

	username, err := s.newUsername(s.deps.UsernamePrefix)
	if err != nil {
		s.deps.Ports.Release(port)
		return fail(StepUser, err)
	}
	sess.Username = username
	log = log.With(zap.String("user", username), zap.Int("port", port))

	if err := s.deps.Journal.Record(ctx, s.entry(sess, journal.StateProvisioning)); err != nil {
		// nothing exists on the host yet
		s.deps.Ports.Release(port)
		return fail(StepJournal, err)
	}
	progress(Progress{Step: StepPort, Message: fmt.Sprintf("Allocated display port %d", port)})

	// From here on a failure leaves host state behind.
	s.trackPartial(sess)

	if err := s.deps.Identity.CreateUser(ctx, username); err != nil {
		return fail(StepUser, err)
	}
	progress(Progress{Step: StepUser, Message: fmt.Sprintf("Created sandbox user %s", username)})

	if err := s.deps.Network.Apply(ctx, username, port); err != nil {
		return fail(StepNetwork, err)
	}
	progress(Progress{Step: StepNetwork, Message: "Applied network isolation"})

	if s.deps.Seeder != nil {
		if err := s.deps.Seeder.SeedExtension(ctx, username); err != nil {
			return fail(StepExtension, err)
		}
		if err := s.deps.Seeder.SeedCompanion(ctx, username, id); err != nil {
			return fail(StepExtension, err)
		}
		progress(Progress{Step: StepExtension, Message: "Prepared extension directories"})
	}

	if err := s.deps.Supervisor.Start(ctx, username, port); err != nil {
		return fail(StepProcess, err)
	}
	if err := s.deps.Supervisor.WaitReady(ctx, port); err != nil {
		log.Warn("display server not ready yet", zap.Error(err))
	}
	if pid, err := s.deps.Supervisor.PID(ctx, username); err != nil {
		log.Warn("could not read display server pid", zap.Error(err))
	} else {
		sess.SupervisorPID = pid
	}
	progress(Progress{Step: StepProcess, Message: fmt.Sprintf("Started display server on port %d", port)})

	if err := s.deps.Journal.Record(ctx, s.entry(sess, journal.StateActive)); err != nil {
		log.Warn("journal update failed", zap.Error(err))
	}

	s.untrackPartial(id)
	s.registry.Insert(sess)
	metrics.Get().SessionsActive.Set(float64(s.registry.Len()))
	metrics.Get().RecordSessionCreate("", true, time.Since(start))
	log.Info("session created", zap.Int("pid", sess.SupervisorPID), zap.Duration("took", time.Since(start)))

	sess.IsNew = true
	return sess, nil
}

// CleanupSession tears a session down: kill processes, revoke the firewall,
// delete the user, release the port, forget the session. Every step runs
// even if an earlier one failed. Unknown ids return ErrSessionNotFound
// without touching the host.
func (s *Service) CleanupSession(ctx context.Context, id string) (CleanupReport, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	sess, live := s.registry.Get(id)
	if !live {
		var ok bool
		if sess, ok = s.lookupPartial(id); !ok {
			return CleanupReport{SessionID: id}, ErrSessionNotFound
		}
	}

	start := time.Now()
	log := s.logger.With(zap.String("session_id", id), zap.String("user", sess.Username))
	report := CleanupReport{SessionID: id}
	note := func(step string, err error) {
		if err == nil {
			return
		}
		log.Warn("teardown step failed", zap.String("step", step), zap.Error(err))
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", step, err))
	}

	if err := s.deps.Journal.Record(ctx, s.entry(sess, journal.StateTearingDown)); err != nil {
		log.Warn("journal update failed", zap.Error(err))
	}

	note(StepProcess, s.deps.Supervisor.Stop(ctx, sess.Username))
	note(StepNetwork, s.deps.Network.Revoke(ctx, sess.Username))
	note(StepUser, s.deps.Identity.DeleteUser(ctx, sess.Username))
	s.deps.Ports.Release(sess.DisplayPort)

	if live {
		s.registry.Delete(id)
	} else {
		s.untrackPartial(id)
	}
	note(StepJournal, s.deps.Journal.Forget(ctx, id))

	s.runHooks(id)

	report.Success = len(report.Errors) == 0
	metrics.Get().SessionsActive.Set(float64(s.registry.Len()))
	metrics.Get().RecordSessionCleanup(report.Success, time.Since(start))
	log.Info("session cleaned up", zap.Bool("success", report.Success), zap.Duration("took", time.Since(start)))
	return report, nil
}

// WriteFile relays content into the session's extension directory.
func (s *Service) WriteFile(ctx context.Context, sessionID, relPath string, content []byte) (string, error) {
	sess, err := s.GetSessionByID(sessionID)
	if err != nil {
		return "", err
	}
	return s.deps.Relay.WriteFile(ctx, sess.Username, relPath, content)
}

// CleanupAll tears down every live and partially created session in
// parallel and waits for all of them.
func (s *Service) CleanupAll(ctx context.Context) []CleanupReport {
	ids := make([]string, 0, s.registry.Len())
	for _, sess := range s.registry.List() {
		ids = append(ids, sess.ID)
	}
	s.mu.Lock()
	for id := range s.partial {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	reports := make([]CleanupReport, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			report, err := s.CleanupSession(ctx, id)
			if errors.Is(err, ErrSessionNotFound) {
				// removed concurrently
				report.Success = true
			}
			reports[i] = report
		}(i, id)
	}
	wg.Wait()

	s.logger.Info("cleaned up all sessions", zap.Int("count", len(ids)))
	return reports
}

// ReapOrphans tears down journaled sessions that this process does not
// know about, typically left by a crash. It does not release ports, which
// belong to this process's allocator. Call it before serving traffic.
func (s *Service) ReapOrphans(ctx context.Context) (int, error) {
	entries, err := s.deps.Journal.List(ctx)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, e := range entries {
		if s.reapOne(ctx, e) {
			reaped++
		}
	}
	if reaped > 0 {
		s.logger.Info("reaped orphaned sessions", zap.Int("count", reaped))
	}
	return reaped, nil
}

func (s *Service) reapOne(ctx context.Context, e journal.Entry) bool {
	unlock := s.locks.Lock(e.ID)
	defer unlock()

	if s.registry.Contains(e.ID) {
		return false
	}
	if _, ok := s.lookupPartial(e.ID); ok {
		return false
	}

	log := s.logger.With(zap.String("session_id", e.ID), zap.String("user", e.Username))
	if e.Username != "" {
		if err := s.deps.Supervisor.Stop(ctx, e.Username); err != nil {
			log.Warn("orphan process kill failed", zap.Error(err))
		}
		if err := s.deps.Network.Revoke(ctx, e.Username); err != nil {
			log.Warn("orphan firewall revoke failed", zap.Error(err))
		}
		if err := s.deps.Identity.DeleteUser(ctx, e.Username); err != nil {
			log.Warn("orphan user delete failed", zap.Error(err))
		}
	}
	if err := s.deps.Journal.Forget(ctx, e.ID); err != nil {
		log.Warn("orphan journal forget failed", zap.Error(err))
	}
	metrics.Get().OrphansReapedTotal.Inc()
	log.Info("reaped orphaned session", zap.String("state", string(e.State)))
	return true
}

func (s *Service) entry(sess Session, state journal.State) journal.Entry {
	return journal.Entry{
		ID:          sess.ID,
		Username:    sess.Username,
		DisplayPort: sess.DisplayPort,
		CreatedAt:   sess.CreatedAt,
		State:       state,
	}
}

func (s *Service) trackPartial(sess Session) {
	s.mu.Lock()
	s.partial[sess.ID] = sess
	s.mu.Unlock()
}

func (s *Service) untrackPartial(id string) {
	s.mu.Lock()
	delete(s.partial, id)
	s.mu.Unlock()
}

func (s *Service) lookupPartial(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.partial[id]
	return sess, ok
}

func (s *Service) runHooks(id string) {
	s.mu.Lock()
	hooks := make([]func(string), len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(id)
	}
}
