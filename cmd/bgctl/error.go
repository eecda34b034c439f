package main

import (
	"errors"
)

type usageError struct {
	error
}

func newUsageError(msg string) usageError {
	return usageError{error: errors.New(msg)}
}

var errorWantedOneApp = newUsageError("expected exactly one application name")
var errorInvalidOutputFormat = newUsageError("invalid output format specified")
