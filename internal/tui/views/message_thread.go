package views

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/medchat/internal/chat"
	"github.com/matheus3301/medchat/internal/tui/ui"
	"github.com/matheus3301/medchat/internal/upload"
	"github.com/rivo/tview"
)

// ThreadData is everything the thread renders in one pass.
type ThreadData struct {
	Conversation chat.Conversation
	Self         int64
	Messages     []chat.Message
	TypingBy     []int64
	Uploads      []upload.Pending
}

// MessageThread displays messages and a composer for a single conversation.
type MessageThread struct {
	*tview.Flex
	theme    *ui.Theme
	messages *tview.TextView
	activity *tview.TextView
	composer *tview.InputField
	title    string
	convID   int64
	onSend   func(text string)
	onType   func()
}

// NewMessageThread creates a new message thread view.
func NewMessageThread(theme *ui.Theme) *MessageThread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	messages.SetBorder(true)
	messages.SetBorderColor(theme.BorderColor)
	messages.SetBackgroundColor(theme.BgColor)
	messages.SetTextColor(theme.FgColor)
	messages.SetTitle(" Messages ")
	messages.SetTitleColor(theme.TitleColor)

	activity := tview.NewTextView().
		SetDynamicColors(true)
	activity.SetBackgroundColor(theme.BgColor)
	activity.SetTextColor(theme.FgColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetLabelColor(theme.MenuKeyColor)
	composer.SetTitle(" Compose (i to focus) ")
	composer.SetTitleColor(theme.TitleColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, true).
		AddItem(activity, 1, 0, false).
		AddItem(composer, 3, 0, false)

	mt := &MessageThread{
		Flex:     flex,
		theme:    theme,
		messages: messages,
		activity: activity,
		composer: composer,
	}

	composer.SetChangedFunc(func(text string) {
		if text != "" && mt.onType != nil {
			mt.onType()
		}
	})
	composer.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter || mt.onSend == nil {
			return
		}
		text := strings.TrimSpace(composer.GetText())
		if text != "" {
			mt.onSend(text)
			composer.SetText("")
		}
	})

	return mt
}

// Name implements Component.
func (mt *MessageThread) Name() string {
	if mt.title != "" {
		return mt.title
	}
	return "Messages"
}

// Init implements Component.
func (mt *MessageThread) Init() {}

// Start implements Component.
func (mt *MessageThread) Start() {}

// Stop implements Component.
func (mt *MessageThread) Stop() {}

// Hints implements Component.
func (mt *MessageThread) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "i", Description: "Compose"},
		{Key: "r", Description: "Retry failed"},
		{Key: "d", Description: "Details"},
		{Key: "Esc", Description: "Back"},
		{Key: ":", Description: "Command"},
		{Key: "?", Description: "Help"},
	}
}

// SetHeading names the thread after the other participant.
func (mt *MessageThread) SetHeading(title string) {
	mt.title = title
	mt.messages.SetTitle(fmt.Sprintf(" %s ", clean(title)))
}

// ConversationID returns the conversation on display, or 0.
func (mt *MessageThread) ConversationID() int64 {
	return mt.convID
}

// SetOnSend sets the callback when a message is submitted.
func (mt *MessageThread) SetOnSend(fn func(text string)) {
	mt.onSend = fn
}

// SetOnTyping sets the callback fired on each composer edit.
func (mt *MessageThread) SetOnTyping(fn func()) {
	mt.onType = fn
}

// Update renders the thread oldest first and keeps the view pinned to the end.
func (mt *MessageThread) Update(d ThreadData) {
	mt.convID = d.Conversation.ID
	mt.messages.Clear()

	names := make(map[int64]string, len(d.Conversation.Participants))
	for _, p := range d.Conversation.Participants {
		names[p.ID] = p.DisplayName
	}

	for _, m := range d.Messages {
		sender := names[m.SenderID]
		if sender == "" {
			sender = fmt.Sprintf("User %d", m.SenderID)
		}
		glyph := ""
		if m.SenderID == d.Self {
			sender = "You"
			glyph = " " + statusGlyph(m.Status)
		}

		body := clean(m.Content)
		if m.Type == chat.TypeImage || m.Type == chat.TypeFile {
			body = fileLine(m)
		}
		_, _ = fmt.Fprintf(mt.messages, "[::b]%s[-:-:-] [::d]%s[-:-:-]%s\n%s\n",
			clean(sender), formatTimestamp(m.CreatedAt), glyph, body)
		if m.Status == chat.StatusFailed {
			reason := m.Error
			if reason == "" {
				reason = "not sent"
			}
			_, _ = fmt.Fprintf(mt.messages, "[%s]%s, press r to retry[-]\n", colorTag(mt.theme.FlashErrColor), clean(reason))
		}
		_, _ = fmt.Fprint(mt.messages, "\n")
	}
	mt.messages.ScrollToEnd()

	mt.activity.Clear()
	var parts []string
	for _, id := range d.TypingBy {
		name := names[id]
		if name == "" {
			name = fmt.Sprintf("User %d", id)
		}
		parts = append(parts, clean(name)+" is typing…")
	}
	for _, u := range d.Uploads {
		if u.Status == upload.StatusUploading {
			parts = append(parts, fmt.Sprintf("uploading %s %d%%", clean(u.FileName), u.Progress))
		}
	}
	if len(parts) > 0 {
		_, _ = fmt.Fprintf(mt.activity, " [%s]%s[-]", colorTag(mt.theme.CounterColor), strings.Join(parts, "  ·  "))
	}
}

// Messages returns the messages text view (for focus management).
func (mt *MessageThread) Messages() *tview.TextView {
	return mt.messages
}

// Composer returns the composer input field (for focus management).
func (mt *MessageThread) Composer() *tview.InputField {
	return mt.composer
}
