package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/medchat/internal/api"
	"github.com/matheus3301/medchat/internal/chat"
	"github.com/matheus3301/medchat/internal/client"
	"github.com/matheus3301/medchat/internal/config"
	"github.com/matheus3301/medchat/internal/lock"
	"github.com/matheus3301/medchat/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Listing sessions works without a running daemon.
	if args[0] == "sessions" {
		cmdSessions(*jsonFlag)
		return
	}

	socketPath := session.SocketPath(sessionName)
	if _, held := lock.Probe(session.Dir(sessionName)); !held {
		fatalf("no daemon running for session %q; start it with: medchatd --session %s", sessionName, sessionName)
	}
	c, err := client.New(socketPath)
	if err != nil {
		fatalf("cannot connect to daemon for session %q: %v", sessionName, err)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:])
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out := printer{json: *jsonFlag}

	switch args[0] {
	case "status":
		resp, err := c.Status(ctx)
		check(err)
		out.status(resp)
	case "connect":
		cmdConnect(ctx, c, out, args[1:])
	case "logout":
		resp, err := c.Logout(ctx)
		check(err)
		out.status(resp)
	case "conversations", "ls":
		convs, err := c.Conversations(ctx)
		check(err)
		out.conversations(convs)
	case "messages":
		need(args, 2, "messages <conversation-id> [limit]")
		req := &api.ListMessagesRequest{ConversationID: parseID(args[1])}
		if len(args) > 2 {
			req.Limit = int(parseID(args[2]))
		}
		resp, err := c.Messages(ctx, req)
		check(err)
		out.messages(resp.Messages)
	case "open":
		need(args, 2, "open <conversation-id>")
		resp, err := c.Open(ctx, parseID(args[1]))
		check(err)
		out.messages(resp.Messages)
	case "send":
		need(args, 3, "send <conversation-id> <text...>")
		m, err := c.Send(ctx, parseID(args[1]), strings.Join(args[2:], " "))
		check(err)
		out.message(m)
	case "retry":
		need(args, 2, "retry <local-id>")
		m, err := c.Retry(ctx, parseID(args[1]))
		check(err)
		out.message(m)
	case "read":
		need(args, 2, "read <conversation-id>")
		n, err := c.MarkRead(ctx, &api.MarkReadRequest{ConversationID: parseID(args[1])})
		check(err)
		out.value(map[string]int{"marked": n}, fmt.Sprintf("Marked %d message(s) read", n))
	case "create":
		need(args, 3, "create <user-id> <doctor|patient>")
		conv, err := c.CreateConversation(ctx, parseID(args[1]), chat.Role(args[2]))
		check(err)
		out.conversations([]chat.Conversation{conv})
	case "upload":
		need(args, 3, "upload <conversation-id> <path> [caption...]")
		path, err := filepath.Abs(args[2])
		check(err)
		m, err := c.Upload(ctx, &api.UploadFileRequest{
			ConversationID: parseID(args[1]),
			Path:           path,
			Caption:        strings.Join(args[3:], " "),
		})
		check(err)
		out.message(m)
	case "uploads":
		resp, err := c.Uploads(ctx)
		check(err)
		if out.json {
			out.value(resp, "")
			return
		}
		if len(resp.Uploads) == 0 {
			fmt.Println("No uploads in progress.")
		}
		for _, u := range resp.Uploads {
			fmt.Printf("%s  %-24s %8s %3d%%  %s %s\n", u.LocalID, u.FileName, humanize.IBytes(uint64(u.Size)), u.Progress, u.Status, u.Err)
		}
	case "cancel":
		need(args, 2, "cancel <upload-id>")
		check(c.CancelUpload(ctx, args[1]))
		out.value(map[string]bool{"cancelled": true}, "Upload cancelled")
	case "users":
		need(args, 2, "users <query> [doctor|patient]")
		var role chat.Role
		if len(args) > 2 {
			role = chat.Role(args[2])
		}
		resp, err := c.SearchUsers(ctx, args[1], role)
		check(err)
		if out.json {
			out.value(resp.Users, "")
			return
		}
		for _, u := range resp.Users {
			fmt.Printf("%-8d %-8s %s\n", u.ID, u.Role, u.Name)
		}
	case "search":
		need(args, 2, "search <query>")
		resp, err := c.SearchMessages(ctx, &api.SearchMessagesRequest{Query: strings.Join(args[1:], " ")})
		check(err)
		if out.json {
			out.value(resp.Results, "")
			return
		}
		for _, r := range resp.Results {
			fmt.Printf("#%-6d %-14s %s\n", r.Message.ConversationID, humanize.Time(r.Message.CreatedAt), r.Snippet)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: medchatctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                         Show session status")
	fmt.Fprintln(os.Stderr, "  connect [--save] [id] [token]  Sign in (defaults to $MEDCHAT_USER_ID/$MEDCHAT_TOKEN)")
	fmt.Fprintln(os.Stderr, "  logout                         Close the connection")
	fmt.Fprintln(os.Stderr, "  conversations                  List conversations")
	fmt.Fprintln(os.Stderr, "  open <conv>                    Open a conversation and show its latest messages")
	fmt.Fprintln(os.Stderr, "  messages <conv> [limit]        Show messages")
	fmt.Fprintln(os.Stderr, "  send <conv> <text...>          Send a text message")
	fmt.Fprintln(os.Stderr, "  retry <local-id>               Retry a failed send")
	fmt.Fprintln(os.Stderr, "  read <conv>                    Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  create <user> <role>           Start a conversation")
	fmt.Fprintln(os.Stderr, "  upload <conv> <path> [caption] Send a file")
	fmt.Fprintln(os.Stderr, "  uploads                        List uploads in progress")
	fmt.Fprintln(os.Stderr, "  cancel <upload-id>             Cancel an upload")
	fmt.Fprintln(os.Stderr, "  users <query> [role]           Search users")
	fmt.Fprintln(os.Stderr, "  search <query>                 Search cached messages")
	fmt.Fprintln(os.Stderr, "  watch [namespace...]           Stream daemon events")
	fmt.Fprintln(os.Stderr, "  sessions                       List known sessions")
}

func cmdConnect(ctx context.Context, c *client.Client, out printer, args []string) {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	save := fs.Bool("save", false, "store the credentials in the session's .env file")
	_ = fs.Parse(args)

	req := &api.ConnectRequest{Save: *save}
	if v := os.Getenv(config.EnvUserID); v != "" {
		req.UserID = parseID(v)
	}
	req.Token = os.Getenv(config.EnvToken)
	if rest := fs.Args(); len(rest) > 0 {
		req.UserID = parseID(rest[0])
		if len(rest) > 1 {
			req.Token = rest[1]
		}
	}
	resp, err := c.Connect(ctx, req)
	check(err)
	out.status(resp)
}

func cmdWatch(c *client.Client, namespaces []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, errc, err := c.Watch(ctx, namespaces...)
	check(err)
	enc := json.NewEncoder(os.Stdout)
	for evt := range events {
		if err := enc.Encode(evt); err != nil {
			fatalf("json encode: %v", err)
		}
	}
	select {
	case err := <-errc:
		check(err)
	default:
	}
}

type sessionInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Running bool      `json:"running"`
	PID     int       `json:"pid,omitempty"`
	Since   time.Time `json:"since,omitzero"`
}

func cmdSessions(jsonOut bool) {
	entries, err := os.ReadDir(filepath.Join(session.BaseDir(), "sessions"))
	if err != nil && !os.IsNotExist(err) {
		fatalf("%v", err)
	}
	var list []sessionInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := session.Dir(e.Name())
		owner, held := lock.Probe(dir)
		info := sessionInfo{Name: e.Name(), Path: dir, Running: held}
		if held {
			info.PID, info.Since = owner.PID, owner.Since
		}
		list = append(list, info)
	}
	if jsonOut {
		printer{json: true}.value(list, "")
		return
	}
	if len(list) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, s := range list {
		state := "stopped"
		if s.Running {
			state = fmt.Sprintf("running, pid %d, started %s", s.PID, humanize.Time(s.Since))
		}
		fmt.Printf("%-20s %s (%s)\n", s.Name, s.Path, state)
	}
}

type printer struct {
	json bool
}

func (p printer) value(v any, text string) {
	if p.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		}
		return
	}
	fmt.Println(text)
}

func (p printer) status(resp *api.StatusResponse) {
	if p.json {
		p.value(resp, "")
		return
	}
	fmt.Printf("Session:       %s\n", resp.Session)
	fmt.Printf("Status:        %s\n", resp.State)
	fmt.Printf("User:          %d\n", resp.UserID)
	fmt.Printf("Uptime:        %s\n", time.Duration(resp.UptimeMs)*time.Millisecond)
	fmt.Printf("Conversations: %d (%d cached)\n", resp.Conversations, resp.CachedConversations)
	fmt.Printf("Messages:      %d (%d cached)\n", resp.Messages, resp.CachedMessages)
	if resp.PendingUploads > 0 {
		fmt.Printf("Uploads:       %d pending\n", resp.PendingUploads)
	}
	if !resp.LastResync.IsZero() {
		fmt.Printf("Last resync:   %s\n", humanize.Time(resp.LastResync))
	}
}

func (p printer) conversations(convs []chat.Conversation) {
	if p.json {
		p.value(convs, "")
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, c := range convs {
		names := make([]string, 0, len(c.Participants))
		for _, part := range c.Participants {
			names = append(names, fmt.Sprintf("%s (%s)", part.DisplayName, part.Role))
		}
		last := "never"
		if !c.LastMessageAt.IsZero() {
			last = humanize.Time(c.LastMessageAt)
		}
		fmt.Printf("#%-6d %-50s %3d unread  %s\n", c.ID, strings.Join(names, ", "), c.UnreadCount, last)
	}
}

func (p printer) messages(msgs []chat.Message) {
	if p.json {
		p.value(msgs, "")
		return
	}
	for _, m := range msgs {
		p.message(m)
	}
}

func (p printer) message(m chat.Message) {
	if p.json {
		p.value(m, "")
		return
	}
	body := m.Content
	if f := m.File(); f != nil {
		body = fmt.Sprintf("%s [%s, %s]", body, f.Name, humanize.IBytes(uint64(f.Size)))
	}
	state := string(m.Status)
	if m.Error != "" {
		state += ": " + m.Error
	}
	fmt.Printf("%s  %6d  user %-6d %-10s %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.ID, m.SenderID, state, body)
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fatalf("usage: medchatctl %s", usage)
	}
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fatalf("%q is not a number", s)
	}
	return id
}

func check(err error) {
	if err != nil {
		fatalf("%v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
