package keys

import (
	"testing"

	"github.com/gdamore/tcell/v2"
)

func TestRegistryPrefersViewBindings(t *testing.T) {
	r := NewRegistry()
	var got []string
	r.AddGlobal(Rune('q', func() { got = append(got, "quit") }))
	r.AddGlobal(Key(tcell.KeyEscape, func() { got = append(got, "back") }))
	r.AddView("thread", Rune('q', func() { got = append(got, "thread-q") }))

	press := func(view string, ev *tcell.EventKey) bool { return r.HandleEvent(view, ev) }

	if !press("thread", tcell.NewEventKey(tcell.KeyRune, 'q', tcell.ModNone)) {
		t.Fatal("q not handled in thread")
	}
	if !press("conversations", tcell.NewEventKey(tcell.KeyRune, 'q', tcell.ModNone)) {
		t.Fatal("q not handled globally")
	}
	if !press("thread", tcell.NewEventKey(tcell.KeyEscape, 0, tcell.ModNone)) {
		t.Fatal("Esc not handled")
	}
	if press("thread", tcell.NewEventKey(tcell.KeyRune, 'x', tcell.ModNone)) {
		t.Error("unbound key reported handled")
	}
	want := []string{"thread-q", "quit", "back"}
	if len(got) != len(want) {
		t.Fatalf("handlers ran %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("handler %d = %s, want %s", i, got[i], want[i])
		}
	}
}
