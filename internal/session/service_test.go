package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ex10-server/internal/ports"
	"ex10-server/internal/sandbox"
	"ex10-server/internal/session/journal"
	"ex10-server/internal/system"
)

type fixture struct {
	svc     *Service
	runner  *system.FakeRunner
	ports   *ports.Allocator
	journal *journal.GormJournal
}

func newFixture(t *testing.T, maxPort int, opts ...Option) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	runner := &system.FakeRunner{Respond: func(c system.Call) (string, error) {
		if c.Name == "pgrep" {
			return "777\n", nil
		}
		return "", nil
	}}
	layout := sandbox.Layout{
		HomeRoot:         "/home",
		ExtensionDirName: "extension",
		CompanionDirName: "ex10-companion",
		MinPort:          9000,
		MaxPort:          maxPort,
		DisplayBase:      100,
		Browser:          "chromium",
	}
	alloc, err := ports.NewAllocator(9000, maxPort,
		ports.WithBindProbe(func(int) bool { return true }),
		ports.WithLogger(logger))
	require.NoError(t, err)

	j, err := journal.OpenSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	relay := sandbox.NewRelay(runner, layout, t.TempDir(), logger)
	t.Cleanup(func() { relay.Close() })

	svc := NewService(NewRegistry(), Deps{
		Ports:          alloc,
		Identity:       sandbox.NewIdentity(runner, layout, logger),
		Network:        sandbox.NewFirewall(runner, layout, logger),
		Supervisor:     sandbox.NewSupervisor(runner, layout, logger),
		Seeder:         sandbox.NewSeeder(relay, layout, "", "ws://localhost:4926"),
		Relay:          relay,
		Journal:        j,
		UsernamePrefix: "ex10_user_",
		Logger:         logger,
	}, opts...)

	return &fixture{svc: svc, runner: runner, ports: alloc, journal: j}
}

func commandNames(f *system.FakeRunner) []string {
	var out []string
	for _, c := range f.Calls() {
		name := c.Name
		if c.Name == "iptables" || c.Name == "pkill" {
			name += " " + c.Args[0]
		}
		out = append(out, name)
	}
	return out
}

func TestNewSessionID(t *testing.T) {
	id, err := NewSessionID()
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9a-f]{32}$`, id)
}

func TestCreateSession(t *testing.T) {
	fx := newFixture(t, 9010)
	var steps []string

	sess, err := fx.svc.CreateSession(context.Background(), func(p Progress) {
		steps = append(steps, p.Step)
	})
	require.NoError(t, err)

	assert.True(t, sess.IsNew)
	assert.Regexp(t, `^[0-9a-f]{32}$`, sess.ID)
	assert.Regexp(t, `^ex10_user_[0-9a-f]{8}$`, sess.Username)
	assert.Equal(t, 9000, sess.DisplayPort)
	assert.Equal(t, 777, sess.SupervisorPID)
	assert.Equal(t, []string{StepPort, StepUser, StepNetwork, StepExtension, StepProcess}, steps)

	stored, err := fx.svc.GetSessionByID(sess.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsNew)
	assert.Equal(t, sess.Username, stored.Username)

	// user before firewall before browser
	names := commandNames(fx.runner)
	idx := func(name string) int {
		for i, n := range names {
			if n == name {
				return i
			}
		}
		return -1
	}
	assert.Less(t, idx("useradd"), idx("iptables -N"))
	assert.Less(t, idx("iptables -N"), idx("tee"))
	assert.Less(t, idx("tee"), idx("xpra"))
	assert.Less(t, idx("xpra"), idx("pgrep"))

	entries, err := fx.journal.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, journal.StateActive, entries[0].State)
}

func TestCreateSession_ExistingID(t *testing.T) {
	fx := newFixture(t, 9010, WithIDGenerator(func() (string, error) { return "fixed", nil }))

	first, err := fx.svc.CreateSession(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, first.IsNew)
	fx.runner.Reset()

	second, err := fx.svc.CreateSession(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, first.Username, second.Username)
	assert.Equal(t, first.DisplayPort, second.DisplayPort)
	assert.Empty(t, fx.runner.Calls())
}

func TestCreateSession_PortExhausted(t *testing.T) {
	fx := newFixture(t, 9000)

	_, err := fx.svc.CreateSession(context.Background(), nil)
	require.NoError(t, err)
	fx.runner.Reset()

	_, err = fx.svc.CreateSession(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrPortExhausted))

	var pe *ProvisioningError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, StepPort, pe.Step)
	assert.Empty(t, fx.runner.Calls(), "no OS mutation without a port")
}

func TestCreateSession_FailureLeavesPartialStateForCleanup(t *testing.T) {
	fx := newFixture(t, 9010)
	fx.runner.Respond = func(c system.Call) (string, error) {
		if c.Name == "iptables" && c.Args[0] == "-N" {
			return "", &system.CommandError{Name: "iptables", ExitCode: 4, Stderr: "Permission denied"}
		}
		return "", nil
	}

	_, err := fx.svc.CreateSession(context.Background(), nil)
	var pe *ProvisioningError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, StepNetwork, pe.Step)
	assert.Equal(t, 9000, pe.DisplayPort)
	assert.NotEmpty(t, pe.Username)

	// no rollback: the user still exists and the port is still held
	assert.NotContains(t, commandNames(fx.runner), "userdel")
	assert.Equal(t, []int{9000}, fx.ports.InUse())
	assert.Equal(t, 0, fx.svc.Registry().Len())
	_, err = fx.svc.GetSessionByID(pe.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	entries, err := fx.journal.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, journal.StateProvisioning, entries[0].State)

	// the caller tears down the partial session by id
	fx.runner.Respond = nil
	fx.runner.Reset()
	report, err := fx.svc.CleanupSession(context.Background(), pe.SessionID)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Contains(t, commandNames(fx.runner), "userdel")
	assert.Empty(t, fx.ports.InUse())

	entries, err = fx.journal.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCleanupSession_UnknownRunsNothing(t *testing.T) {
	fx := newFixture(t, 9010)

	_, err := fx.svc.CleanupSession(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, fx.runner.Calls())
}

func TestCleanupSession_Twice(t *testing.T) {
	fx := newFixture(t, 9010)
	sess, err := fx.svc.CreateSession(context.Background(), nil)
	require.NoError(t, err)
	fx.runner.Reset()

	report, err := fx.svc.CleanupSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, []string{
		"pkill -KILL", "pkill -KILL",
		"iptables -D", "iptables -F", "iptables -X",
		"userdel",
	}, commandNames(fx.runner))
	assert.Empty(t, fx.ports.InUse())

	fx.runner.Reset()
	_, err = fx.svc.CleanupSession(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, fx.runner.Calls(), "second cleanup performs no OS mutation")
}

func TestCleanupSession_ContinuesAfterFailures(t *testing.T) {
	fx := newFixture(t, 9010)
	sess, err := fx.svc.CreateSession(context.Background(), nil)
	require.NoError(t, err)

	fx.runner.Reset()
	fx.runner.Respond = func(c system.Call) (string, error) {
		switch c.Name {
		case "pkill":
			return "", &system.CommandError{Name: "pkill", ExitCode: 3, Stderr: "fatal"}
		case "iptables":
			return "", &system.CommandError{Name: "iptables", ExitCode: 4, Stderr: "Permission denied"}
		}
		return "", nil
	}

	var hooked []string
	fx.svc.OnCleanup(func(id string) { hooked = append(hooked, id) })

	report, err := fx.svc.CleanupSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Len(t, report.Errors, 2)
	assert.Contains(t, commandNames(fx.runner), "userdel", "user delete still runs")
	assert.Empty(t, fx.ports.InUse(), "port still released")
	assert.Equal(t, 0, fx.svc.Registry().Len())
	assert.Equal(t, []string{sess.ID}, hooked)
}

func TestWriteFile(t *testing.T) {
	fx := newFixture(t, 9010)

	_, err := fx.svc.WriteFile(context.Background(), "nope", "a.js", []byte("x"))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	sess, err := fx.svc.CreateSession(context.Background(), nil)
	require.NoError(t, err)
	fx.runner.Reset()

	target, err := fx.svc.WriteFile(context.Background(), sess.ID, "x/y.js", []byte("let a = 1"))
	require.NoError(t, err)
	assert.Equal(t, "/home/"+sess.Username+"/extension/x/y.js", target)

	_, err = fx.svc.WriteFile(context.Background(), sess.ID, "../../etc/passwd", []byte("root"))
	var ipe *sandbox.InvalidPathError
	assert.True(t, errors.As(err, &ipe))

	for _, c := range fx.runner.Calls() {
		assert.Equal(t, sess.Username, c.User, "relay commands run as the session user")
		for _, a := range c.Args {
			assert.False(t, strings.Contains(a, "/etc/passwd"))
		}
	}
}

func TestCleanupAll(t *testing.T) {
	fx := newFixture(t, 9010)
	for i := 0; i < 3; i++ {
		_, err := fx.svc.CreateSession(context.Background(), nil)
		require.NoError(t, err)
	}

	reports := fx.svc.CleanupAll(context.Background())
	assert.Len(t, reports, 3)
	for _, r := range reports {
		assert.True(t, r.Success)
	}
	assert.Equal(t, 0, fx.svc.Registry().Len())
	assert.Empty(t, fx.ports.InUse())
}

func TestReapOrphans(t *testing.T) {
	fx := newFixture(t, 9010)
	ctx := context.Background()

	live, err := fx.svc.CreateSession(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, fx.journal.Record(ctx, journal.Entry{
		ID: "orphan", Username: "ex10_user_deadbeef", DisplayPort: 9005,
		CreatedAt: time.Now().Add(-time.Hour), State: journal.StateActive,
	}))
	fx.runner.Reset()

	n, err := fx.svc.ReapOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, c := range fx.runner.Calls() {
		assert.NotContains(t, c.String(), live.Username, "live session untouched")
	}
	assert.Contains(t, fx.runner.Lines(), "userdel --remove ex10_user_deadbeef")

	entries, err := fx.journal.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, live.ID, entries[0].ID)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var active, maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			defer unlock()
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
	assert.Empty(t, k.locks, "entries dropped after release")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	assert.True(t, r.Insert(Session{ID: "b", CreatedAt: now.Add(time.Second), IsNew: true}))
	assert.True(t, r.Insert(Session{ID: "a", CreatedAt: now}))
	assert.False(t, r.Insert(Session{ID: "a"}))

	got, ok := r.Get("b")
	require.True(t, ok)
	assert.False(t, got.IsNew)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)

	assert.True(t, r.Delete("a"))
	assert.False(t, r.Delete("a"))
	assert.Equal(t, 1, r.Len())
	assert.False(t, r.Contains("a"))
}
