package ui

import (
	"fmt"

	"github.com/rivo/tview"
)

var logoLines = []string{
	"╔╦╗╔═╗╔╦╗╔═╗╦ ╦╔═╗╔╦╗",
	"║║║║╣  ║║║  ╠═╣╠═╣ ║ ",
	"╩ ╩╚═╝═╩╝╚═╝╩ ╩╩ ╩ ╩ ",
}

// Logo is the header's wordmark.
type Logo struct {
	*tview.TextView
}

// NewLogo creates a new logo component.
func NewLogo(theme *Theme) *Logo {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(1, 0, 1, 0)

	title := colorName(theme.TitleColor)
	for _, l := range logoLines {
		_, _ = fmt.Fprintf(tv, "[%s::b]%s[-:-:-]\n", title, l)
	}
	_, _ = fmt.Fprintf(tv, "[%s]care team chat[-:-:-]", colorName(theme.FgColor))
	return &Logo{TextView: tv}
}
