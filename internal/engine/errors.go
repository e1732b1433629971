package engine

// ValidationError indicates a request that is well-formed but not
// actionable in the aggregate's current state.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

func validationErr(msg string) error {
	return ValidationError{Message: msg}
}
