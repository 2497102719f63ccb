package database

import "errors"

// Manager-related errors
var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("database write operation timeout")
)
