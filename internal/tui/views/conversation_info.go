package views

import (
	"fmt"

	"github.com/matheus3301/medchat/internal/chat"
	"github.com/matheus3301/medchat/internal/tui/model"
	"github.com/matheus3301/medchat/internal/tui/ui"
	"github.com/rivo/tview"
)

// ConversationInfo displays the participants and counters of a conversation.
type ConversationInfo struct {
	*tview.TextView
	theme *ui.Theme
}

// NewConversationInfo creates a new conversation info view.
func NewConversationInfo(theme *ui.Theme) *ConversationInfo {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Conversation Details ")
	tv.SetTitleColor(theme.TitleColor)

	return &ConversationInfo{
		TextView: tv,
		theme:    theme,
	}
}

// Name implements Component.
func (ci *ConversationInfo) Name() string { return "Details" }

// Init implements Component.
func (ci *ConversationInfo) Init() {}

// Start implements Component.
func (ci *ConversationInfo) Start() {}

// Stop implements Component.
func (ci *ConversationInfo) Stop() {}

// Hints implements Component.
func (ci *ConversationInfo) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Esc", Description: "Back"},
		{Key: ":", Description: "Command"},
		{Key: "?", Description: "Help"},
	}
}

// Update renders conversation details.
func (ci *ConversationInfo) Update(c chat.Conversation, self int64) {
	ci.Clear()
	fg := colorTag(ci.theme.FgColor)
	ct := colorTag(ci.theme.CounterColor)
	row := func(label, value string) {
		_, _ = fmt.Fprintf(ci, " [%s::b]%-14s[-:-:-] [%s]%s[-]\n", fg, label+":", ct, value)
	}

	_, _ = fmt.Fprintln(ci)
	row("Conversation", fmt.Sprintf("#%d", c.ID))
	for _, p := range c.Participants {
		who := fmt.Sprintf("%s (%s, id %d)", clean(p.DisplayName), p.Role, p.ID)
		if p.ID == self {
			who += " you"
		}
		row("Participant", who)
	}
	row("Created", orDash(formatTimestamp(c.CreatedAt)))
	row("Last Active", orDash(formatTimestamp(c.LastMessageAt)))
	row("Unread", fmt.Sprintf("%d", c.UnreadCount))
	row("Last Message", orDash(clean(c.LastMessagePreview)))

	ci.SetTitle(fmt.Sprintf(" %s Details ", clean(model.Title(c, self))))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
