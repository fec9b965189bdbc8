// Package tui is the terminal client for a medchat session daemon.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/medchat/internal/api"
	"github.com/matheus3301/medchat/internal/chat"
	"github.com/matheus3301/medchat/internal/restapi"
	"github.com/matheus3301/medchat/internal/status"
	"github.com/matheus3301/medchat/internal/tui/keys"
	"github.com/matheus3301/medchat/internal/tui/model"
	"github.com/matheus3301/medchat/internal/tui/ui"
	"github.com/matheus3301/medchat/internal/tui/views"
	"github.com/rivo/tview"
)

const (
	pageConversations = "conversations"
	pageThread        = "thread"
	pageDetails       = "details"
	pageSearch        = "search"
	pageUsers         = "users"
	pageConnection    = "connection"
	pageHelp          = "help"
)

// App is the main TUI application shell.
type App struct {
	app      *tview.Application
	theme    *ui.Theme
	pages    *ui.Pages
	body     *tview.Flex
	comps    map[string]ui.Component
	registry *keys.Registry
	vm       *model.ViewModel
	flash    *ui.FlashModel
	session  string

	info     *ui.SessionInfo
	menu     *ui.Menu
	crumbs   *ui.Crumbs
	flashBar *ui.FlashBar
	prompt   *ui.Prompt

	list     *views.ConversationList
	thread   *views.MessageThread
	details  *views.ConversationInfo
	search   *views.SearchView
	users    *views.Directory
	connView *views.ConnectionView
	help     *views.HelpView

	detailsID int64
	lastState string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp creates the TUI application over a daemon backend.
func NewApp(b model.Backend, sessionName string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()
	vm := model.NewViewModel(b)

	a := &App{
		app:      tview.NewApplication(),
		theme:    theme,
		pages:    ui.NewPages(),
		registry: keys.NewRegistry(),
		vm:       vm,
		flash:    ui.NewFlashModel(),
		session:  sessionName,
		info:     ui.NewSessionInfo(theme),
		menu:     ui.NewMenu(theme),
		crumbs:   ui.NewCrumbs(theme),
		flashBar: ui.NewFlashBar(theme),
		prompt:   ui.NewPrompt(theme),
		list:     views.NewConversationList(theme),
		thread:   views.NewMessageThread(theme),
		details:  views.NewConversationInfo(theme),
		users:    views.NewDirectory(theme),
		connView: views.NewConnectionView(theme),
		help:     views.NewHelpView(theme),
		ctx:      ctx,
		cancel:   cancel,
	}
	a.search = views.NewSearchView(theme, a.titleFor)

	a.setupLayout()
	a.setupBindings()
	a.setupCallbacks()
	return a
}

func (a *App) setupLayout() {
	a.comps = map[string]ui.Component{
		pageConversations: a.list,
		pageThread:        a.thread,
		pageDetails:       a.details,
		pageSearch:        a.search,
		pageUsers:         a.users,
		pageConnection:    a.connView,
		pageHelp:          a.help,
	}
	for name, c := range a.comps {
		c.Init()
		a.pages.AddPage(name, c.(tview.Primitive), true, false)
	}
	a.pages.SetOnChange(func(stack []string) {
		names := make([]string, len(stack))
		for i, n := range stack {
			names[i] = a.comps[n].Name()
		}
		a.crumbs.Update(names)
		if c, ok := a.comps[a.pages.Current()]; ok {
			a.menu.Update(c.Hints())
		}
	})

	header := tview.NewFlex().
		AddItem(a.info, 0, 1, false).
		AddItem(a.menu, 0, 1, false).
		AddItem(ui.NewLogo(a.theme), 24, 0, false)

	a.body = tview.NewFlex().SetDirection(tview.FlexRow)
	a.body.AddItem(a.pages, 0, 1, true)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(header, 7, 0, false).
		AddItem(a.body, 0, 1, true).
		AddItem(a.crumbs, 1, 0, false).
		AddItem(a.flashBar, 1, 0, false)

	a.prompt.SetOnSubmit(func(mode ui.PromptMode, text string) {
		a.hidePrompt()
		switch mode {
		case ui.PromptCommand:
			a.runCommand(ParseCommand(text))
		case ui.PromptFilter:
			a.list.SetFilter(text)
		}
	})
	a.prompt.SetOnCancel(a.hidePrompt)

	a.pages.Reset(pageConversations)
	a.app.SetRoot(root, true).SetFocus(a.list)
	a.app.SetInputCapture(a.handleKey)
}

func (a *App) setupBindings() {
	r := a.registry
	r.AddGlobal(keys.Rune(':', func() { a.showPrompt(ui.PromptCommand) }))
	r.AddGlobal(keys.Rune('?', func() { a.push(pageHelp) }))
	r.AddGlobal(keys.Key(tcell.KeyEscape, a.back))
	r.AddGlobal(keys.Rune('q', func() {
		if a.pages.Depth() <= 1 {
			a.Stop()
			return
		}
		a.back()
	}))

	r.AddView(pageConversations, keys.Rune('/', func() { a.showPrompt(ui.PromptFilter) }))
	r.AddView(pageConversations, keys.Rune('0', a.list.ClearFilter))
	for n := 1; n <= 9; n++ {
		r.AddView(pageConversations, keys.Rune(rune('0'+n), func() {
			if id := a.list.IDByIndex(n); id != 0 {
				a.openConversation(id)
			}
		}))
	}
	r.AddView(pageConversations, keys.Rune('d', func() { a.showDetails(a.list.SelectedID()) }))
	r.AddView(pageConversations, keys.Rune('u', func() { a.push(pageUsers) }))

	r.AddView(pageThread, keys.Rune('i', func() { a.app.SetFocus(a.thread.Composer()) }))
	r.AddView(pageThread, keys.Rune('r', a.retry))
	r.AddView(pageThread, keys.Rune('d', func() { a.showDetails(a.vm.Active()) }))

	r.AddView(pageConnection, keys.Rune('c', a.connect))
}

func (a *App) setupCallbacks() {
	a.list.SetSelectedFunc(func(row, _ int) {
		if id := a.list.IDByIndex(row); id != 0 {
			a.openConversation(id)
		}
	})

	a.thread.SetOnSend(func(text string) {
		a.do("send", func() error {
			_, err := a.vm.Send(a.ctx, text)
			return err
		})
	})
	a.thread.SetOnTyping(func() {
		go func() { _ = a.vm.Typing(a.ctx) }()
	})

	a.search.SetOnQuery(a.searchMessages)
	a.search.SetOnOpen(func(m chat.Message) { a.openConversation(m.ConversationID) })

	a.users.SetOnQuery(a.searchUsers)
	a.users.SetOnPick(a.startWith)
}

func (a *App) handleKey(ev *tcell.EventKey) *tcell.EventKey {
	if a.prompt.HasFocus() {
		return ev
	}
	if _, ok := a.app.GetFocus().(*tview.InputField); ok {
		if ev.Key() != tcell.KeyEscape {
			return ev
		}
		if a.pages.Current() == pageThread {
			a.app.SetFocus(a.thread.Messages())
		} else {
			a.back()
		}
		return nil
	}
	if a.registry.HandleEvent(a.pages.Current(), ev) {
		return nil
	}
	return ev
}

func (a *App) focusTarget(page string) tview.Primitive {
	switch page {
	case pageThread:
		return a.thread.Messages()
	case pageSearch:
		return a.search.Input()
	case pageUsers:
		return a.users.Input()
	}
	return a.comps[page].(tview.Primitive)
}

func (a *App) push(page string) {
	if a.pages.Current() != page {
		a.pages.Push(page)
	}
	a.app.SetFocus(a.focusTarget(page))
}

func (a *App) back() {
	if a.pages.Depth() <= 1 {
		return
	}
	a.pages.Pop()
	if !a.pages.Contains(pageThread) {
		a.vm.Close()
	}
	a.app.SetFocus(a.focusTarget(a.pages.Current()))
}

func (a *App) showPrompt(mode ui.PromptMode) {
	a.body.Clear()
	a.body.AddItem(a.prompt, 3, 0, true)
	a.body.AddItem(a.pages, 0, 1, false)
	a.prompt.Activate(mode)
	a.app.SetFocus(a.prompt)
}

func (a *App) hidePrompt() {
	a.body.Clear()
	a.body.AddItem(a.pages, 0, 1, true)
	a.app.SetFocus(a.focusTarget(a.pages.Current()))
}

// do runs fn off the UI goroutine and flashes its error.
func (a *App) do(what string, fn func() error) {
	go func() {
		if err := fn(); err != nil && a.ctx.Err() == nil {
			a.flash.Errf(what, err)
		}
	}()
}

func (a *App) runCommand(cmd Command) {
	switch cmd.Name {
	case "q", "quit":
		a.Stop()
	case "h", "help":
		a.push(pageHelp)
	case "search":
		a.push(pageSearch)
		if cmd.Args != "" {
			a.search.SetQuery(cmd.Args)
			a.searchMessages(cmd.Args)
		}
	case "users":
		a.push(pageUsers)
		if cmd.Args != "" {
			a.users.Input().SetText(cmd.Args)
			a.searchUsers(cmd.Args)
		}
	case "new":
		id, role, err := NewConversationArgs(cmd.Args)
		if err != nil {
			a.flash.Err(err)
			return
		}
		a.startWith(restapi.User{ID: id, Role: role})
	case "attach":
		path, caption, err := AttachArgs(cmd.Args)
		if err != nil {
			a.flash.Err(err)
			return
		}
		a.flash.Info("uploading " + path)
		a.do("upload", func() error {
			_, err := a.vm.Attach(a.ctx, path, caption)
			return err
		})
	case "retry":
		a.retry()
	case "connect":
		a.connect()
	case "logout":
		a.do("logout", func() error { return a.vm.Logout(a.ctx) })
	case "":
	default:
		a.flash.Warn("unknown command: " + cmd.Name)
	}
}

func (a *App) openConversation(id int64) {
	a.do("open", func() error {
		if err := a.vm.Open(a.ctx, id); err != nil {
			return err
		}
		a.app.QueueUpdateDraw(func() { a.push(pageThread) })
		return nil
	})
}

func (a *App) startWith(u restapi.User) {
	a.do("start conversation", func() error {
		if _, err := a.vm.StartWith(a.ctx, u); err != nil {
			return err
		}
		a.app.QueueUpdateDraw(func() { a.push(pageThread) })
		return nil
	})
}

func (a *App) showDetails(id int64) {
	if id == 0 {
		return
	}
	c, ok := a.vm.Conversation(id)
	if !ok {
		return
	}
	a.detailsID = id
	a.details.Update(c, a.vm.Self())
	a.push(pageDetails)
}

func (a *App) retry() {
	a.do("retry", func() error {
		_, err := a.vm.RetryLastFailed(a.ctx)
		return err
	})
}

func (a *App) connect() {
	a.flash.Info("connecting")
	a.do("connect", func() error { return a.vm.Connect(a.ctx) })
}

func (a *App) searchMessages(q string) {
	a.do("search", func() error {
		res, err := a.vm.SearchMessages(a.ctx, q)
		if err != nil {
			return err
		}
		a.app.QueueUpdateDraw(func() {
			a.search.Update(res)
			a.app.SetFocus(a.search.Results())
		})
		return nil
	})
}

func (a *App) searchUsers(q string) {
	a.do("user search", func() error {
		users, err := a.vm.SearchUsers(a.ctx, q)
		if err != nil {
			return err
		}
		a.app.QueueUpdateDraw(func() {
			a.users.Update(users)
			a.app.SetFocus(a.users.Results())
		})
		return nil
	})
}

func (a *App) titleFor(id int64) string {
	c, ok := a.vm.Conversation(id)
	if !ok {
		return fmt.Sprintf("#%d", id)
	}
	return model.Title(c, a.vm.Self())
}

// render copies the view model into every view. Runs on the UI goroutine.
func (a *App) render() {
	st := a.vm.Status()
	self := a.vm.Self()
	convs := a.vm.Conversations()

	a.info.Update(sessionData(a.session, st, convs))
	a.list.Update(convs, self)
	a.connView.Update(st)

	if id := a.vm.Active(); id != 0 {
		c, ok := a.vm.Conversation(id)
		if !ok {
			c.ID = id
		}
		a.thread.SetHeading(model.Title(c, self))
		a.thread.Update(views.ThreadData{
			Conversation: c,
			Self:         self,
			Messages:     a.vm.Messages(),
			TypingBy:     a.vm.TypingBy(),
			Uploads:      a.vm.Uploads(),
		})
	}
	if a.pages.Current() == pageDetails {
		if c, ok := a.vm.Conversation(a.detailsID); ok {
			a.details.Update(c, self)
		}
	}
	a.followState(st)
}

// followState shows the connection page when the session loses its
// credential or is signed out, and leaves it once connected again.
func (a *App) followState(st *api.StatusResponse) {
	if st == nil || st.State == a.lastState {
		return
	}
	a.lastState = st.State
	switch status.State(st.State) {
	case status.AuthFailed, status.Disconnected:
		if a.pages.Current() != pageConnection {
			a.push(pageConnection)
		}
	case status.Connected:
		if a.pages.Current() == pageConnection {
			a.back()
		}
	}
}

func sessionData(name string, st *api.StatusResponse, convs []chat.Conversation) *ui.SessionData {
	d := &ui.SessionData{Session: name, Status: "UNKNOWN", Conversations: len(convs)}
	for _, c := range convs {
		d.Unread += c.UnreadCount
	}
	if st != nil {
		d.UserID = st.UserID
		d.Status = st.State
		d.Uploads = st.PendingUploads
		d.Uptime = time.Duration(st.UptimeMs) * time.Millisecond
		d.LastResync = st.LastResync
	}
	return d
}

// follow keeps the view model subscribed to daemon events, resubscribing
// after the stream breaks.
func (a *App) follow() {
	for a.ctx.Err() == nil {
		if err := a.vm.Reload(a.ctx); err != nil {
			a.flash.Errf("daemon", err)
		}
		err := a.vm.Follow(a.ctx)
		if a.ctx.Err() != nil {
			return
		}
		a.flash.Errf("event stream", err)
		select {
		case <-time.After(2 * time.Second):
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *App) redraw() {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.vm.RefreshCh():
			a.app.QueueUpdateDraw(a.render)
		case msg := <-a.flash.Watch():
			a.app.QueueUpdateDraw(func() { a.flashBar.Update(&msg) })
		case <-tick.C:
			a.app.QueueUpdateDraw(func() { a.flashBar.Update(a.flash.GetMessage()) })
		}
	}
}

// Run starts the TUI application and blocks until it exits.
func (a *App) Run() error {
	for _, c := range a.comps {
		c.Start()
	}
	go a.follow()
	go a.redraw()
	defer a.cancel()
	return a.app.Run()
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	for _, c := range a.comps {
		c.Stop()
	}
	a.cancel()
	a.app.Stop()
}
