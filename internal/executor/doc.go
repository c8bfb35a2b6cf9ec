// Package executor runs due entries.
//
// Every job gets a runner goroutine under the daemon's supervisor. The runner
// starts "shell -c command" in a new session with the owner's identity, feeds
// the text after the first unescaped "%" to its standard input and collects
// standard output and standard error from one shared pipe. Output is mailed
// through the notifier once at least one byte arrives.
package executor
