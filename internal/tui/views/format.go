package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/medchat/internal/chat"
)

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.Local()
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}

// statusGlyph renders delivery state the way messaging apps do: a clock while
// pending, one tick when the server has it, two when delivered, blue when read.
func statusGlyph(s chat.Status) string {
	switch s {
	case chat.StatusPending:
		return "[gray]◷[-]"
	case chat.StatusSent:
		return "[gray]✓[-]"
	case chat.StatusDelivered:
		return "[gray]✓✓[-]"
	case chat.StatusRead:
		return "[deepskyblue]✓✓[-]"
	case chat.StatusFailed:
		return "[orangered]✗[-]"
	}
	return ""
}

func fileLine(m chat.Message) string {
	size := ""
	if m.FileSize > 0 {
		size = " (" + humanize.IBytes(uint64(m.FileSize)) + ")"
	}
	icon := "📎"
	if m.Type == chat.TypeImage {
		icon = "🖼"
	}
	return fmt.Sprintf("%s %s%s", icon, clean(m.FileName), size)
}

func matchesFilter(filter string, fields ...string) bool {
	if filter == "" {
		return true
	}
	filter = strings.ToLower(filter)
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), filter) {
			return true
		}
	}
	return false
}

func colorTag(c tcell.Color) string {
	return fmt.Sprintf("#%06x", c.Hex())
}
