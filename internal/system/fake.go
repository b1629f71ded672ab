package system

import (
	"context"
	"io"
	"strings"
	"sync"
)

// Call is one command recorded by FakeRunner. User is empty for privileged runs.
type Call struct {
	User  string
	Name  string
	Args  []string
	Stdin string
}

// String renders the call as "name args..." or "@user name args...".
func (c Call) String() string {
	line := strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
	if c.User != "" {
		return "@" + c.User + " " + line
	}
	return line
}

// FakeRunner records commands instead of executing them. Respond, when set,
// decides each call's output and error.
type FakeRunner struct {
	mu      sync.Mutex
	calls   []Call
	Respond func(Call) (string, error)
}

// Run implements Runner.
func (f *FakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return f.record(Call{Name: name, Args: args})
}

// RunAs implements Runner.
func (f *FakeRunner) RunAs(ctx context.Context, user string, stdin io.Reader, name string, args ...string) (string, error) {
	call := Call{User: user, Name: name, Args: args}
	if stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", err
		}
		call.Stdin = string(data)
	}
	return f.record(call)
}

func (f *FakeRunner) record(call Call) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	respond := f.Respond
	f.mu.Unlock()

	if respond == nil {
		return "", nil
	}
	return respond(call)
}

// Calls returns a copy of everything recorded so far.
func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Lines returns the recorded calls rendered with Call.String.
func (f *FakeRunner) Lines() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Reset forgets recorded calls.
func (f *FakeRunner) Reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}
