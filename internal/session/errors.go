package session

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned for lookups of unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Provisioning steps, in execution order.
const (
	StepPort      = "port"
	StepJournal   = "journal"
	StepUser      = "user"
	StepNetwork   = "network"
	StepExtension = "extension"
	StepProcess   = "process"
)

// ProvisioningError reports the step at which session creation stopped.
// Resources created by earlier steps are left in place; the journal entry
// lets ReapOrphans remove them.
type ProvisioningError struct {
	SessionID   string
	Username    string
	DisplayPort int
	Step        string
	Err         error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning session %s failed at step %q: %v", e.SessionID, e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }
