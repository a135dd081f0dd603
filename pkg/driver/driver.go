package driver

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by hypervisor drivers. Callers branch on these
// with errors.Is rather than parsing messages.
var (
	// ErrNotFound means the named instance (or snapshot) does not exist.
	ErrNotFound = errors.New("instance not found")
	// ErrUnavailable means the hypervisor daemon could not be reached.
	ErrUnavailable = errors.New("hypervisor unavailable")
	// ErrTimeout means an operation did not complete within its deadline.
	ErrTimeout = errors.New("operation timed out")
)

// InstanceStatus is the hypervisor-level run state of an instance.
type InstanceStatus string

const (
	StatusRunning InstanceStatus = "Running"
	StatusFrozen  InstanceStatus = "Frozen"
	StatusStopped InstanceStatus = "Stopped"
)

// State is a point-in-time snapshot of an instance.
type State struct {
	Status InstanceStatus
	IPv4   string
}

// FilePush describes a file to write into an instance's filesystem.
type FilePush struct {
	Path    string
	Content []byte
	Mode    int
	UID     int
	GID     int
}

// ExecResult is the outcome of a command run inside an instance.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Snapshot describes one snapshot of an instance.
type Snapshot struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Driver abstracts the container hypervisor. All calls honor ctx for
// cancellation and deadlines.
type Driver interface {
	// Clone creates a stopped instance from the named image alias.
	Clone(ctx context.Context, name, image string, profiles []string) error

	// Start transitions a stopped instance to running.
	Start(ctx context.Context, name string) error

	// Stop halts an instance. With force the instance is killed rather
	// than asked to shut down.
	Stop(ctx context.Context, name string, force bool) error

	// Freeze suspends a running instance in place.
	Freeze(ctx context.Context, name string) error

	// Unfreeze resumes a frozen instance.
	Unfreeze(ctx context.Context, name string) error

	// Delete removes a stopped instance and its storage.
	Delete(ctx context.Context, name string) error

	// GetState reports the current run state and first IPv4 address.
	GetState(ctx context.Context, name string) (*State, error)

	// WaitIPv4 polls until the instance reports an IPv4 address,
	// returning ErrTimeout after attempts tries spaced delay apart.
	WaitIPv4(ctx context.Context, name string, attempts int, delay time.Duration) (string, error)

	// PushFile writes a file into the instance, creating parent
	// directories as needed.
	PushFile(ctx context.Context, name string, file FilePush) error

	// PullFile reads a file out of the instance.
	PullFile(ctx context.Context, name, path string) ([]byte, error)

	// Exec runs a command inside the instance with the given extra
	// environment and returns its exit code and captured output.
	Exec(ctx context.Context, name string, command []string, env map[string]string) (*ExecResult, error)

	// CreateSnapshot takes a named snapshot of the instance.
	CreateSnapshot(ctx context.Context, name, snapshot string) error

	// RestoreSnapshot rolls the instance back to a snapshot.
	RestoreSnapshot(ctx context.Context, name, snapshot string) error

	// DeleteSnapshot discards a snapshot.
	DeleteSnapshot(ctx context.Context, name, snapshot string) error

	// ListSnapshots enumerates the instance's snapshots.
	ListSnapshots(ctx context.Context, name string) ([]Snapshot, error)
}
