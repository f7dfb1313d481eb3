package logging

import (
	"io"
	"log"
)

// Flags are the log flags every chatd logger uses.
const Flags = log.LstdFlags | log.Lmicroseconds

// Component returns a logger writing to w with a "[name] " prefix.
func Component(w io.Writer, name string) *log.Logger {
	return log.New(w, "["+name+"] ", Flags)
}
