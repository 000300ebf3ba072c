package errors

// WrapOpComponent wraps err with an operation and component, keeping the
// code and retryability of an inner MailboxError.
// If err is nil, returns nil.
func WrapOpComponent(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	wrapped := NewWithComponent(op, component, err)
	var inner *MailboxError
	if As(err, &inner) {
		wrapped.Code = inner.Code
		wrapped.Retryable = inner.Retryable
	}
	return wrapped
}

// CodeOf returns the code of the outermost MailboxError in err's chain, or ""
// if there is none.
func CodeOf(err error) ErrorCode {
	var mbErr *MailboxError
	if As(err, &mbErr) {
		return mbErr.Code
	}
	return ""
}
