package client

import (
	"fmt"
	"os"
	"path/filepath"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

// LocalFile is a regular file selected for upload.
type LocalFile struct {
	Path string
	Size int64
}

// ParseArgs resolves each argument to a non-empty regular file.
func ParseArgs(args []string) ([]LocalFile, error) {
	if len(args) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no files provided"}
	}

	var out []LocalFile

	for _, raw := range args {
		p := filepath.Clean(raw)
		info, err := os.Stat(p)
		if err != nil {
			return nil, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
		}
		if info.IsDir() {
			return nil, &ValidationError{Arg: raw, Cause: "is a directory"}
		}
		if !info.Mode().IsRegular() {
			return nil, &ValidationError{Arg: raw, Cause: "not a regular file"}
		}
		if info.Size() == 0 {
			return nil, &ValidationError{Arg: raw, Cause: "file is empty"}
		}

		out = append(out, LocalFile{Path: p, Size: info.Size()})
	}

	return out, nil
}
