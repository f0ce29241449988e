package discord

import "strings"

type command struct {
	name string
	arg  string
}

// parseCommand splits "!speak hello there" into {speak, "hello there"}.
// Names are case-insensitive.
func parseCommand(prefix, content string) (command, bool) {
	content = strings.TrimSpace(content)
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return command{}, false
	}
	rest := strings.TrimSpace(content[len(prefix):])
	if rest == "" {
		return command{}, false
	}
	name, arg, _ := strings.Cut(rest, " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}, true
}
