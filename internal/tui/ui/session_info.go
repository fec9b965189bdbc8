package ui

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rivo/tview"
)

// SessionData holds session information for display.
type SessionData struct {
	Session       string
	UserID        int64
	Status        string
	Conversations int
	Unread        int
	Uploads       int
	Uptime        time.Duration
	LastResync    time.Time
}

// SessionInfo displays session metadata in the header.
type SessionInfo struct {
	*tview.TextView
	theme *Theme
}

// NewSessionInfo creates a new session info panel.
func NewSessionInfo(theme *Theme) *SessionInfo {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(0, 0, 1, 1)

	return &SessionInfo{
		TextView: tv,
		theme:    theme,
	}
}

// Update renders the session info.
func (si *SessionInfo) Update(data *SessionData) {
	si.Clear()
	if data == nil {
		return
	}

	fg := colorName(si.theme.FgColor)
	ct := colorName(si.theme.CounterColor)
	statusColor := colorName(si.theme.StateColor(data.Status))

	user := "-"
	if data.UserID != 0 {
		user = fmt.Sprintf("%d", data.UserID)
	}
	synced := "never"
	if !data.LastResync.IsZero() {
		synced = humanize.Time(data.LastResync)
	}

	_, _ = fmt.Fprintf(si,
		"[%s::b]Session:[-:-:-] [%s]%s[-]\n"+
			"[%s::b]User:[-:-:-]    [%s]%s[-]\n"+
			"[%s::b]Status:[-:-:-]  [%s]%s[-]\n"+
			"[%s::b]Chats:[-:-:-]   [%s]%d[-] ([%s]%d[-] unread)\n"+
			"[%s::b]Synced:[-:-:-]  [%s]%s[-]\n"+
			"[%s::b]Uptime:[-:-:-]  [%s]%s[-]",
		fg, ct, data.Session,
		fg, ct, user,
		fg, statusColor, data.Status,
		fg, ct, data.Conversations, ct, data.Unread,
		fg, ct, synced,
		fg, ct, formatDuration(data.Uptime),
	)
	if data.Uploads > 0 {
		_, _ = fmt.Fprintf(si, "\n[%s::b]Uploads:[-:-:-] [%s]%d[-]", fg, ct, data.Uploads)
	}
}

func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
