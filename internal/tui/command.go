package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/matheus3301/medchat/internal/chat"
)

// Command represents a parsed command.
type Command struct {
	Name string
	Args string
}

// ParseCommand parses a command string (without the leading ':').
func ParseCommand(input string) Command {
	input = strings.TrimSpace(input)
	parts := strings.SplitN(input, " ", 2)
	cmd := Command{Name: strings.ToLower(parts[0])}
	if len(parts) > 1 {
		cmd.Args = strings.TrimSpace(parts[1])
	}
	return cmd
}

// NewConversationArgs parses "<user-id> <doctor|patient>".
func NewConversationArgs(args string) (int64, chat.Role, error) {
	f := strings.Fields(args)
	if len(f) != 2 {
		return 0, "", fmt.Errorf("usage: new <user-id> <doctor|patient>")
	}
	id, err := strconv.ParseInt(f[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, "", fmt.Errorf("invalid user id %q", f[0])
	}
	role := chat.Role(strings.ToLower(f[1]))
	if !role.Valid() {
		return 0, "", fmt.Errorf("invalid role %q", f[1])
	}
	return id, role, nil
}

// AttachArgs parses "<path> [caption]". A path with spaces may be quoted.
func AttachArgs(args string) (path, caption string, err error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return "", "", fmt.Errorf("usage: attach <path> [caption]")
	}
	if q := args[0]; q == '"' || q == '\'' {
		end := strings.IndexByte(args[1:], q)
		if end < 0 {
			return "", "", fmt.Errorf("unterminated quote in %q", args)
		}
		return args[1 : end+1], strings.TrimSpace(args[end+2:]), nil
	}
	path, caption, _ = strings.Cut(args, " ")
	return path, strings.TrimSpace(caption), nil
}
