package persist

import (
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors for the persistence context and commit pipeline.
var (
	// ErrNotFound is returned when a requested object or row does not exist.
	ErrNotFound = errors.New("persist: object not found")

	// ErrDuplicateIdentity is returned when two live objects claim the same identity.
	ErrDuplicateIdentity = errors.New("persist: duplicate identity")

	// ErrReadOnlyEntity is returned when a flush contains changes to a read-only entity.
	ErrReadOnlyEntity = errors.New("persist: read-only entity violation")

	// ErrIncompleteForeignKey is returned when a join column can not be resolved.
	ErrIncompleteForeignKey = errors.New("persist: incomplete foreign key")

	// ErrDeleteDenied is returned when a delete rule denies removing an object.
	ErrDeleteDenied = errors.New("persist: delete denied")

	// ErrOptimisticLock is returned when an update or delete matched no rows.
	ErrOptimisticLock = errors.New("persist: optimistic lock failure")

	// ErrCommitFailed is returned when the backend transaction failed.
	ErrCommitFailed = errors.New("persist: commit failed")

	// ErrTemporaryIdentity is returned when a deferred value never received its key.
	ErrTemporaryIdentity = errors.New("persist: temporary identity unresolved")

	// ErrFlushInProgress is returned when a flush is started on a store that is already flushing.
	ErrFlushInProgress = errors.New("persist: flush already in progress")
)

// NotFoundError represents an error when an object is not found.
type NotFoundError struct {
	label string
	id    any // Optional: the identity that was searched for
}

// Error returns the error string.
func (e *NotFoundError) Error() string {
	if e.id != nil {
		return fmt.Sprintf("persist: %s not found (id=%v)", e.label, e.id)
	}
	return fmt.Sprintf("persist: %s not found", e.label)
}

// Is reports whether the target error matches NotFoundError.
func (e *NotFoundError) Is(err error) bool {
	return err == ErrNotFound
}

// Label returns the entity label.
func (e *NotFoundError) Label() string {
	return e.label
}

// ID returns the identity that was searched for, if available.
func (e *NotFoundError) ID() any {
	return e.id
}

// NewNotFoundError returns a new NotFoundError for the given entity and identity.
func NewNotFoundError(label string, id any) *NotFoundError {
	return &NotFoundError{label: label, id: id}
}

// IsNotFound returns true if the error is a NotFoundError.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var e *NotFoundError
	return errors.As(err, &e) || errors.Is(err, ErrNotFound)
}

// DuplicateIdentityError is returned when an object is registered under an
// identity already held by another live object of the same store.
type DuplicateIdentityError struct {
	Entity string
	ID     any
}

// Error returns the error string.
func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("persist: duplicate identity %v for %s", e.ID, e.Entity)
}

// Is reports whether the target error matches ErrDuplicateIdentity.
func (e *DuplicateIdentityError) Is(err error) bool {
	return err == ErrDuplicateIdentity
}

// NewDuplicateIdentityError returns a new DuplicateIdentityError.
func NewDuplicateIdentityError(entity string, id any) *DuplicateIdentityError {
	return &DuplicateIdentityError{Entity: entity, ID: id}
}

// IsDuplicateIdentity returns true if the error is a DuplicateIdentityError.
func IsDuplicateIdentity(err error) bool {
	return err != nil && errors.Is(err, ErrDuplicateIdentity)
}

// ReadOnlyEntityError is returned when dirty objects belong to a read-only entity.
type ReadOnlyEntityError struct {
	Entity string
	Op     Op
	ID     any
}

// Error returns the error string.
func (e *ReadOnlyEntityError) Error() string {
	return fmt.Sprintf("persist: %s of %v rejected: entity %s is read-only", e.Op, e.ID, e.Entity)
}

// Is reports whether the target error matches ErrReadOnlyEntity.
func (e *ReadOnlyEntityError) Is(err error) bool {
	return err == ErrReadOnlyEntity
}

// NewReadOnlyEntityError returns a new ReadOnlyEntityError.
func NewReadOnlyEntityError(entity string, op Op, id any) *ReadOnlyEntityError {
	return &ReadOnlyEntityError{Entity: entity, Op: op, ID: id}
}

// IsReadOnlyEntity returns true if the error is a ReadOnlyEntityError.
func IsReadOnlyEntity(err error) bool {
	return err != nil && errors.Is(err, ErrReadOnlyEntity)
}

// IncompleteForeignKeyError is returned when a join column has neither a
// concrete value nor a legal deferred-value path.
type IncompleteForeignKeyError struct {
	Entity       string
	Relationship string
	Column       string
	ID           any
}

// Error returns the error string.
func (e *IncompleteForeignKeyError) Error() string {
	return fmt.Sprintf("persist: %s.%s: no value for join column %q of %v", e.Entity, e.Relationship, e.Column, e.ID)
}

// Is reports whether the target error matches ErrIncompleteForeignKey.
func (e *IncompleteForeignKeyError) Is(err error) bool {
	return err == ErrIncompleteForeignKey
}

// NewIncompleteForeignKeyError returns a new IncompleteForeignKeyError.
func NewIncompleteForeignKeyError(entity, relationship, column string, id any) *IncompleteForeignKeyError {
	return &IncompleteForeignKeyError{Entity: entity, Relationship: relationship, Column: column, ID: id}
}

// IsIncompleteForeignKey returns true if the error is an IncompleteForeignKeyError.
func IsIncompleteForeignKey(err error) bool {
	return err != nil && errors.Is(err, ErrIncompleteForeignKey)
}

// DeleteDeniedError is returned when a Deny delete rule finds dependents.
type DeleteDeniedError struct {
	Entity       string
	Relationship string
	ID           any
	Dependents   []any
}

// Error returns the error string.
func (e *DeleteDeniedError) Error() string {
	if len(e.Dependents) == 0 {
		return fmt.Sprintf("persist: delete of %v denied: dependents of %s.%s cannot be resolved",
			e.ID, e.Entity, e.Relationship)
	}
	return fmt.Sprintf("persist: delete of %v denied: %s.%s has %d dependent object(s)",
		e.ID, e.Entity, e.Relationship, len(e.Dependents))
}

// Is reports whether the target error matches ErrDeleteDenied.
func (e *DeleteDeniedError) Is(err error) bool {
	return err == ErrDeleteDenied
}

// NewDeleteDeniedError returns a new DeleteDeniedError.
func NewDeleteDeniedError(entity, relationship string, id any, dependents ...any) *DeleteDeniedError {
	return &DeleteDeniedError{Entity: entity, Relationship: relationship, ID: id, Dependents: dependents}
}

// IsDeleteDenied returns true if the error is a DeleteDeniedError.
func IsDeleteDenied(err error) bool {
	return err != nil && errors.Is(err, ErrDeleteDenied)
}

// OptimisticLockError is returned when an optimistically locked update or
// delete affected no rows. Callers may reload the object and retry.
type OptimisticLockError struct {
	Entity string
	Table  string
	Op     Op
	ID     any
	// Qualifier holds the column values the statement was qualified with.
	Qualifier map[string]any
}

// Error returns the error string.
func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("persist: optimistic lock failure: %s of %v in %s matched no rows", e.Op, e.ID, e.Table)
}

// Is reports whether the target error matches ErrOptimisticLock.
func (e *OptimisticLockError) Is(err error) bool {
	return err == ErrOptimisticLock
}

// NewOptimisticLockError returns a new OptimisticLockError.
func NewOptimisticLockError(entity, table string, op Op, id any, qualifier map[string]any) *OptimisticLockError {
	return &OptimisticLockError{Entity: entity, Table: table, Op: op, ID: id, Qualifier: qualifier}
}

// IsOptimisticLock returns true if the error is an OptimisticLockError.
func IsOptimisticLock(err error) bool {
	return err != nil && errors.Is(err, ErrOptimisticLock)
}

// ConstraintKind classifies a constraint violation reported by a backend.
type ConstraintKind uint8

// Constraint kinds.
const (
	ConstraintNone ConstraintKind = iota
	ConstraintUnique
	ConstraintForeignKey
	ConstraintCheck
	ConstraintNotNull
)

// String returns the constraint kind name.
func (k ConstraintKind) String() string {
	switch k {
	case ConstraintUnique:
		return "unique"
	case ConstraintForeignKey:
		return "foreign key"
	case ConstraintCheck:
		return "check"
	case ConstraintNotNull:
		return "not null"
	default:
		return "none"
	}
}

// CommitError wraps a backend error raised while executing a flush.
// The transaction is always rolled back before a CommitError is returned.
type CommitError struct {
	Entity string // Entity of the failing batch, if known
	Table  string // Target table of the failing batch, if known
	Op     Op     // Operation of the failing batch
	Shape  string // Statement shape, e.g. "UPDATE artist SET (name) WHERE (id)"
	Err    error  // Underlying error
}

// Error returns the error string.
func (e *CommitError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("persist: commit failed: %s %s: %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("persist: commit failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *CommitError) Unwrap() error {
	return e.Err
}

// Is reports whether the target error matches ErrCommitFailed.
func (e *CommitError) Is(err error) bool {
	return err == ErrCommitFailed
}

// Constraint returns the kind of constraint violation the backend reported,
// or ConstraintNone.
func (e *CommitError) Constraint() ConstraintKind {
	var c interface{ ConstraintKind() ConstraintKind }
	if errors.As(e.Err, &c) {
		return c.ConstraintKind()
	}
	return ConstraintNone
}

// IsConstraint reports whether the backend classified the underlying error
// as a constraint violation.
func (e *CommitError) IsConstraint() bool {
	return e.Constraint() != ConstraintNone
}

// NewCommitError returns a new CommitError.
func NewCommitError(entity, table string, op Op, shape string, err error) *CommitError {
	return &CommitError{Entity: entity, Table: table, Op: op, Shape: shape, Err: err}
}

// IsCommitFailed returns true if the error is a CommitError.
func IsCommitFailed(err error) bool {
	return err != nil && errors.Is(err, ErrCommitFailed)
}

// TemporaryIdentityError is returned when a deferred value is resolved before
// the object it refers to received a permanent key.
type TemporaryIdentityError struct {
	Entity string
	Column string
	ID     any
}

// Error returns the error string.
func (e *TemporaryIdentityError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("persist: %v has no permanent key for column %q of %s", e.ID, e.Column, e.Entity)
	}
	return fmt.Sprintf("persist: %v has no permanent key", e.ID)
}

// Is reports whether the target error matches ErrTemporaryIdentity.
func (e *TemporaryIdentityError) Is(err error) bool {
	return err == ErrTemporaryIdentity
}

// NewTemporaryIdentityError returns a new TemporaryIdentityError.
func NewTemporaryIdentityError(entity, column string, id any) *TemporaryIdentityError {
	return &TemporaryIdentityError{Entity: entity, Column: column, ID: id}
}

// IsTemporaryIdentity returns true if the error is a TemporaryIdentityError.
func IsTemporaryIdentity(err error) bool {
	return err != nil && errors.Is(err, ErrTemporaryIdentity)
}

// ValidationError represents an invalid mapping or value.
type ValidationError struct {
	Name string // Entity, attribute or relationship name
	Err  error  // Underlying validation error
}

// Error returns the error string.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("persist: validation failed for %q: %s", e.Name, e.Err)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError returns a new ValidationError for the given name.
func NewValidationError(name string, err error) *ValidationError {
	return &ValidationError{Name: name, Err: err}
}

// IsValidationError returns true if the error is a ValidationError.
func IsValidationError(err error) bool {
	if err == nil {
		return false
	}
	var e *ValidationError
	return errors.As(err, &e)
}

// RollbackError wraps an error that occurred during a transaction rollback.
type RollbackError struct {
	Err error // Original error that triggered rollback
}

// Error returns the error string.
func (e *RollbackError) Error() string {
	return fmt.Sprintf("persist: rollback failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *RollbackError) Unwrap() error {
	return e.Err
}

// AggregateError represents multiple errors collected during an operation.
type AggregateError struct {
	Errors []error
}

// Error returns the error string.
func (e *AggregateError) Error() string {
	if len(e.Errors) == 0 {
		return "persist: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	var sb strings.Builder
	sb.WriteString("persist: multiple errors:")
	for i, err := range e.Errors {
		fmt.Fprintf(&sb, "\n  [%d] %v", i+1, err)
	}
	return sb.String()
}

// Unwrap returns the collected errors.
func (e *AggregateError) Unwrap() []error {
	return e.Errors
}

// NewAggregateError returns a new AggregateError if there are errors,
// otherwise returns nil.
func NewAggregateError(errs ...error) error {
	var filtered []error
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &AggregateError{Errors: filtered}
}

// PrivacyError represents a mutation policy violation.
type PrivacyError struct {
	Entity string // Entity type
	Op     Op     // Operation
	Rule   string // Rule that denied the operation
}

// Error returns the error string.
func (e *PrivacyError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("persist: privacy denied %s on %s (rule: %s)", e.Op, e.Entity, e.Rule)
	}
	return fmt.Sprintf("persist: privacy denied %s on %s", e.Op, e.Entity)
}

// NewPrivacyError returns a new PrivacyError.
func NewPrivacyError(entity string, op Op, rule string) *PrivacyError {
	return &PrivacyError{Entity: entity, Op: op, Rule: rule}
}

// IsPrivacyError returns true if the error is a PrivacyError.
func IsPrivacyError(err error) bool {
	if err == nil {
		return false
	}
	var e *PrivacyError
	return errors.As(err, &e)
}
