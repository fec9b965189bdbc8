package views

import (
	"fmt"

	"github.com/matheus3301/medchat/internal/api"
	"github.com/matheus3301/medchat/internal/status"
	"github.com/matheus3301/medchat/internal/tui/ui"
	"github.com/rivo/tview"
)

// ConnectionView is shown while the session has no usable connection.
type ConnectionView struct {
	*tview.TextView
	theme *ui.Theme
}

// NewConnectionView creates the connection status view.
func NewConnectionView(theme *ui.Theme) *ConnectionView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Connection ")
	tv.SetTitleColor(theme.TitleColor)
	return &ConnectionView{TextView: tv, theme: theme}
}

// Name implements Component.
func (cv *ConnectionView) Name() string { return "Connection" }

// Init implements Component.
func (cv *ConnectionView) Init() {}

// Start implements Component.
func (cv *ConnectionView) Start() {}

// Stop implements Component.
func (cv *ConnectionView) Stop() {}

// Hints implements Component.
func (cv *ConnectionView) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "c", Description: "Connect"},
		{Key: "Esc", Description: "Back"},
		{Key: "q", Description: "Quit"},
	}
}

// Update explains the current state and what to do about it.
func (cv *ConnectionView) Update(st *api.StatusResponse) {
	cv.Clear()
	if st == nil {
		_, _ = fmt.Fprint(cv, "\n\nWaiting for daemon…")
		return
	}
	warn := colorTag(cv.theme.FlashWarnColor)
	_, _ = fmt.Fprintf(cv, "\n\n[::b]%s[-:-:-]\n\n", st.State)
	switch status.State(st.State) {
	case status.AuthFailed:
		_, _ = fmt.Fprintf(cv, "[%s]The server rejected the stored credential.[-]\n\n", warn)
		_, _ = fmt.Fprint(cv, "Save a new one with:\n  medchatctl connect --save <user-id> <token>\nthen press c.")
	case status.Disconnected:
		if st.UserID == 0 {
			_, _ = fmt.Fprint(cv, "No credentials configured.\n\nRun:\n  medchatctl connect --save <user-id> <token>")
		} else {
			_, _ = fmt.Fprintf(cv, "Signed out as user %d. Press c to connect.", st.UserID)
		}
	case status.Connecting, status.Reconnecting:
		_, _ = fmt.Fprint(cv, "Reaching the chat server. Messages you send are queued.")
	default:
		_, _ = fmt.Fprint(cv, "Connected.")
	}
}
