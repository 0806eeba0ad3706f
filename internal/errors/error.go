package errors

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
)

// Category represents the type of error.
type Category string

const (
	CategoryConfig    Category = "config"
	CategoryServer    Category = "server"
	CategoryTransport Category = "transport"
	CategoryCLI       Category = "cli"
)

// Location represents a position in a file.
type Location struct {
	File   string
	Line   int
	Column int
}

// String returns the location as a formatted string.
func (l *Location) String() string {
	if l == nil {
		return ""
	}
	if l.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// Error is a structured error with a code, location and suggestion.
type Error struct {
	// Code is a unique error identifier (e.g., "E101").
	Code string

	Category Category

	// Message is a short description of the error.
	Message string

	// Detail is a longer explanation of the error.
	Detail string

	// Location is the file position where the error occurred.
	Location *Location

	// Context contains the lines surrounding Location.
	Context []string

	// Suggestion is a hint on how to fix the error.
	Suggestion string

	// Example shows a correct setting.
	Example string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// WithLocation adds a file position to the error and reads the lines
// around it.
func (e *Error) WithLocation(file string, line, column int) *Error {
	e.Location = &Location{File: file, Line: line, Column: column}
	e.Context = readContextLines(file, line, 3)
	return e
}

// WithOffset sets the location from a byte offset into data, as reported
// by encoding/json syntax errors.
func (e *Error) WithOffset(file string, data []byte, offset int64) *Error {
	line, col := lineColumn(data, offset)
	e.Location = &Location{File: file, Line: line, Column: col}
	e.Context = contextLines(data, line, 3)
	return e
}

// WithSuggestion adds a fix suggestion to the error.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// WithExample adds an example of a correct setting.
func (e *Error) WithExample(ex string) *Error {
	e.Example = ex
	return e
}

// WithDetail replaces the registered explanation.
func (e *Error) WithDetail(d string) *Error {
	e.Detail = d
	return e
}

// Wrap wraps another error.
func (e *Error) Wrap(err error) *Error {
	e.Wrapped = err
	return e
}

// lineColumn converts a byte offset into a 1-based line and column.
func lineColumn(data []byte, offset int64) (int, int) {
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	if offset < 0 {
		offset = 0
	}
	head := data[:offset]
	line := bytes.Count(head, []byte("\n")) + 1
	col := int(offset) - bytes.LastIndexByte(head, '\n')
	if col < 1 {
		col = 1
	}
	return line, col
}

// contextLines returns up to contextSize lines of data centered on targetLine.
func contextLines(data []byte, targetLine, contextSize int) []string {
	return scanContext(bufio.NewScanner(bytes.NewReader(data)), targetLine, contextSize)
}

// readContextLines reads lines around targetLine from a file.
func readContextLines(filename string, targetLine, contextSize int) []string {
	file, err := os.Open(filename)
	if err != nil {
		return nil
	}
	defer file.Close()
	return scanContext(bufio.NewScanner(file), targetLine, contextSize)
}

func scanContext(scanner *bufio.Scanner, targetLine, contextSize int) []string {
	var lines []string
	lineNum := 0
	startLine := targetLine - contextSize/2
	endLine := targetLine + contextSize/2

	for scanner.Scan() {
		lineNum++
		if lineNum >= startLine && lineNum <= endLine {
			lines = append(lines, scanner.Text())
		}
		if lineNum > endLine {
			break
		}
	}
	return lines
}

// New creates an Error from a registered error code.
func New(code string) *Error {
	template, ok := registry[code]
	if !ok {
		return &Error{
			Code:    code,
			Message: "Unknown error",
		}
	}
	return &Error{
		Code:       code,
		Category:   template.Category,
		Message:    template.Message,
		Detail:     template.Detail,
		Suggestion: template.Suggestion,
	}
}

// Newf creates an Error with a formatted message and no code.
func Newf(category Category, format string, args ...any) *Error {
	return &Error{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

// FromError wraps err in an Error with the given code. An *Error is
// returned unchanged.
func FromError(err error, code string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return New(code).Wrap(err)
}
