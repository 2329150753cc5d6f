// Package execution runs room code through an external sandbox.
package execution

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnavailable         = errors.New("execution: executor unavailable")
	ErrTimeout             = errors.New("execution: timed out")
	ErrUnsupportedLanguage = errors.New("execution: unsupported language")
	ErrEmptyCode           = errors.New("execution: code required")
)

// Request describes one program run.
type Request struct {
	Language string
	Code     string
	Stdin    string
}

// Result is the observable outcome of a run.
type Result struct {
	Stdout   string
	Stderr   string
	Output   string
	ExitCode int
	Signal   string
	Duration time.Duration
}

// Failed reports whether the program exited unsuccessfully.
func (r Result) Failed() bool {
	return r.ExitCode != 0 || r.Signal != ""
}

// Executor runs code in an isolated environment.
type Executor interface {
	Execute(ctx context.Context, request Request) (Result, error)
}

// Runtime pins the sandbox runtime used for a language.
type Runtime struct {
	Language string
	Version  string
	FileName string
}

// DefaultRuntimes lists the languages the sandbox accepts.
func DefaultRuntimes() map[string]Runtime {
	return map[string]Runtime{
		"javascript": {Language: "javascript", Version: "18.15.0", FileName: "main.js"},
		"typescript": {Language: "typescript", Version: "5.0.3", FileName: "main.ts"},
		"python":     {Language: "python", Version: "3.10.0", FileName: "main.py"},
		"java":       {Language: "java", Version: "15.0.2", FileName: "Main.java"},
		"cpp":        {Language: "cpp", Version: "10.2.0", FileName: "main.cpp"},
		"c":          {Language: "c", Version: "10.2.0", FileName: "main.c"},
	}
}
