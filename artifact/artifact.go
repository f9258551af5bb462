// Package artifact owns the transient files of a pipeline run: the
// materialized source file and the compiled executable. Every run gets its
// own directory, so runs never share or overwrite each other's artifacts.
package artifact

import (
	"fmt"
)

type Kind string

const (
	SourceFile Kind = "source"
	Executable Kind = "executable"
)

const (
	runDirPrefix   = "run-"
	sourceFileName = "source.c"
	executableName = "program"
)

// Artifact is a file on disk owned by exactly one run.
type Artifact struct {
	Kind Kind
	// Path is absolute, usable by external processes.
	Path string
}

// StorageError reports a failure to write or prepare a transient file.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
