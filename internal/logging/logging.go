package logging

import (
	"log"
	"os"
)

func New() *log.Logger {
	return log.New(os.Stdout, "netmeter ", log.LstdFlags|log.LUTC)
}

// NewStderr keeps log output off stdout for commands whose stdout carries
// machine-readable results.
func NewStderr() *log.Logger {
	return log.New(os.Stderr, "netmeter ", log.LstdFlags|log.LUTC)
}
