package tetrifact

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is matched by every *NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrConflict is matched by every *ConflictError.
	ErrConflict = errors.New("conflict")

	// ErrCorrupt is matched by every *CorruptError.
	ErrCorrupt = errors.New("corrupt repository state")

	// ErrMissingPredecessor means a patch was found for a package
	// whose manifest names no predecessor to apply it to.
	ErrMissingPredecessor = errors.New("manifest missing predecessor")

	// ErrTimeout is returned when waiting for another builder's archive takes too long.
	ErrTimeout = errors.New("timed out")

	// ErrPolicyDenied is returned for operations disabled by configuration.
	ErrPolicyDenied = errors.New("operation not allowed")
)

// NotFoundKind says what was not found.
type NotFoundKind int

const (
	NotFoundProject NotFoundKind = iota
	NotFoundPackage
	NotFoundFile
)

func (k NotFoundKind) String() string {
	switch k {
	case NotFoundProject:
		return "project"
	case NotFoundPackage:
		return "package"
	case NotFoundFile:
		return "file"
	}
	return fmt.Sprintf("NotFoundKind(%d)", int(k))
}

// NotFoundError reports a missing project, package, or file.
type NotFoundError struct {
	Kind NotFoundKind
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ProjectNotFound produces a *NotFoundError for a project.
func ProjectNotFound(name string) error {
	return &NotFoundError{Kind: NotFoundProject, Name: name}
}

// PackageNotFound produces a *NotFoundError for a package.
func PackageNotFound(id string) error {
	return &NotFoundError{Kind: NotFoundPackage, Name: id}
}

// FileNotFound produces a *NotFoundError for a file.
func FileNotFound(path string) error {
	return &NotFoundError{Kind: NotFoundFile, Name: path}
}

// IsNotFound tells whether err is a not-found error of the given kind.
func IsNotFound(err error, kind NotFoundKind) bool {
	var nf *NotFoundError
	return errors.As(err, &nf) && nf.Kind == kind
}

// ConflictError reports a request that cannot be honored in the repository's current state.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// CorruptError reports stored state that contradicts itself,
// such as a patch with no base to apply it to.
type CorruptError struct {
	Package string
	Reason  string
	Err     error
}

func (e *CorruptError) Error() string {
	msg := "package " + e.Package + " is corrupt"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptError) Is(target error) bool {
	return target == ErrCorrupt
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}
