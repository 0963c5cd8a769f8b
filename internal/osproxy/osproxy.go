// Package osproxy narrows the os package behind an interface so filesystem
// probes can run against fakes in tests.
package osproxy

import (
	"io/fs"
	"os"
)

// OsProxy is the subset of os functions the payload pre-flight checks use.
// Add more methods as you need them.
type OsProxy interface {
	Stat(name string) (os.FileInfo, error)
	Open(name string) (fs.File, error)
}

// RealOS is the default implementation that delegates to the real os package.
type RealOS struct{}

// Stat ...
func (RealOS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }

// Open ...
func (RealOS) Open(name string) (fs.File, error) { return os.Open(name) }
