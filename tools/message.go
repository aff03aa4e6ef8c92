package tools

import "strings"

const (
	// Separator splits a chat line into display name and payload.
	Separator = ": "

	// ExitSentinel is the payload that asks the server to shut down.
	ExitSentinel = "EXIT"
)

// SplitMessage splits line at the first Separator.
// ok is false when line has no separator; name and payload are then empty.
func SplitMessage(line string) (name, payload string, ok bool) {
	i := strings.Index(line, Separator)
	if i < 0 {
		return "", "", false
	}
	return line[:i], line[i+len(Separator):], true
}

// FormatMessage builds a chat line in the "<name>: <payload>" convention.
func FormatMessage(name, payload string) string {
	return name + Separator + payload
}

// IsExitCommand reports whether line carries the shutdown sentinel.
// Only an exact payload match counts: "bob: EXIT" does, "bob: EXITing", "bob: exit"
// and a bare "EXIT" do not.
func IsExitCommand(line string) bool {
	_, payload, ok := SplitMessage(line)
	return ok && payload == ExitSentinel
}
