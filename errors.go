package dramanotify

import "fmt"

// ConfigurationError aborts start-up before any user is processed.
type ConfigurationError struct {
	Err error
}

func (err *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s", err.Err)
}

func (err *ConfigurationError) Unwrap() error {
	return err.Err
}

// AccessError indicates that one user's spreadsheet could not be read
// (authentication, lookup, or an unusable worksheet). The runner logs it and
// skips that user.
type AccessError struct {
	User string
	Err  error
}

func (err *AccessError) Error() string {
	return fmt.Sprintf("user %s: sheet access: %s", err.User, err.Err)
}

func (err *AccessError) Unwrap() error {
	return err.Err
}

// DeliveryError indicates that a notification could not be delivered.
// SeenState is still advanced, so a persistently broken transport loses
// notifications instead of re-sending the same episodes forever.
type DeliveryError struct {
	User string
	Err  error
}

func (err *DeliveryError) Error() string {
	return fmt.Sprintf("user %s: delivery: %s", err.User, err.Err)
}

func (err *DeliveryError) Unwrap() error {
	return err.Err
}

// StorageError indicates that SeenState could not be loaded or saved. A
// failed save means the next run may re-notify already seen episodes.
type StorageError struct {
	User string
	Err  error
}

func (err *StorageError) Error() string {
	return fmt.Sprintf("user %s: state storage: %s", err.User, err.Err)
}

func (err *StorageError) Unwrap() error {
	return err.Err
}

// StateNotFound is returned by Storage implementations when no SeenState has
// been persisted for the key yet. Load callers treat it as an empty state.
type StateNotFound struct {
	UserKey string
}

func (err *StateNotFound) Error() string {
	return fmt.Sprintf("user_key:%s not found", err.UserKey)
}
