package views

import (
	"fmt"
	"strconv"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/medchat/internal/restapi"
	"github.com/matheus3301/medchat/internal/tui/ui"
	"github.com/rivo/tview"
)

// Directory looks up users by name so a conversation can be started with one.
type Directory struct {
	*tview.Flex
	theme   *ui.Theme
	input   *tview.InputField
	results *tview.Table
	users   []restapi.User
}

// NewDirectory creates the user directory view.
func NewDirectory(theme *ui.Theme) *Directory {
	input := tview.NewInputField().
		SetLabel(" Name: ").
		SetFieldWidth(0)
	input.SetBackgroundColor(theme.BgColor)
	input.SetFieldBackgroundColor(theme.BgColor)
	input.SetFieldTextColor(theme.FgColor)
	input.SetLabelColor(theme.MenuKeyColor)

	results := tview.NewTable().
		SetSelectable(true, false).
		SetFixed(1, 0)
	results.SetBorder(true)
	results.SetBorderColor(theme.BorderColor)
	results.SetBackgroundColor(theme.BgColor)
	results.SetTitle(" Users ")
	results.SetTitleColor(theme.TitleColor)
	results.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(input, 1, 0, true).
		AddItem(results, 0, 1, false)

	return &Directory{
		Flex:    flex,
		theme:   theme,
		input:   input,
		results: results,
	}
}

// Name implements Component.
func (d *Directory) Name() string { return "Users" }

// Init implements Component.
func (d *Directory) Init() {}

// Start implements Component.
func (d *Directory) Start() {}

// Stop implements Component.
func (d *Directory) Stop() {}

// Hints implements Component.
func (d *Directory) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Enter", Description: "Search/Start chat"},
		{Key: "Esc", Description: "Back"},
	}
}

// SetOnQuery sets the callback run when a name is submitted.
func (d *Directory) SetOnQuery(fn func(query string)) {
	d.input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			fn(d.input.GetText())
		}
	})
}

// SetOnPick sets the callback run when a user row is chosen.
func (d *Directory) SetOnPick(fn func(u restapi.User)) {
	d.results.SetSelectedFunc(func(row, _ int) {
		if u, ok := d.userAt(row); ok {
			fn(u)
		}
	})
}

// Update shows a page of search results.
func (d *Directory) Update(users []restapi.User) {
	d.users = users
	d.results.Clear()
	for col, h := range []string{" NAME", " ROLE", " ID"} {
		d.results.SetCell(0, col, tview.NewTableCell(h).
			SetSelectable(false).
			SetTextColor(d.theme.TableHeaderFg).
			SetBackgroundColor(d.theme.TableHeaderBg).
			SetAttributes(tcell.AttrBold))
	}
	for i, u := range users {
		row := i + 1
		d.results.SetCell(row, 0, tview.NewTableCell(" "+clean(u.Name)).SetExpansion(1).SetTextColor(d.theme.FgColor))
		d.results.SetCell(row, 1, tview.NewTableCell(" "+string(u.Role)).SetTextColor(d.theme.FgColor))
		d.results.SetCell(row, 2, tview.NewTableCell(" "+strconv.FormatInt(u.ID, 10)).SetTextColor(d.theme.FgColor))
	}
	d.results.SetTitle(fmt.Sprintf(" Users (%d) ", len(users)))
}

func (d *Directory) userAt(row int) (restapi.User, bool) {
	idx := row - 1
	if idx < 0 || idx >= len(d.users) {
		return restapi.User{}, false
	}
	return d.users[idx], true
}

// Input returns the name input field.
func (d *Directory) Input() *tview.InputField {
	return d.input
}

// Results returns the results table.
func (d *Directory) Results() *tview.Table {
	return d.results
}
