package ui

import (
	"slices"
	"testing"

	"github.com/rivo/tview"
)

func TestPagesStack(t *testing.T) {
	p := NewPages()
	for _, name := range []string{"conversations", "thread", "details"} {
		p.AddPage(name, tview.NewBox(), true, false)
	}
	var seen [][]string
	p.SetOnChange(func(stack []string) { seen = append(seen, stack) })

	p.Reset("conversations")
	p.Push("thread")
	p.Push("details")
	if p.Current() != "details" || p.Depth() != 3 {
		t.Fatalf("after pushes: current %q depth %d", p.Current(), p.Depth())
	}
	if got := p.Pop(); got != "details" {
		t.Errorf("Pop() = %q", got)
	}
	if p.Current() != "thread" {
		t.Errorf("Current() = %q, want thread", p.Current())
	}
	if !slices.Equal(seen[len(seen)-1], []string{"conversations", "thread"}) {
		t.Errorf("last onChange stack = %v", seen[len(seen)-1])
	}

	p.Reset("conversations")
	if p.Depth() != 1 {
		t.Errorf("Depth() after Reset = %d", p.Depth())
	}
	p.Pop()
	if p.Pop() != "" {
		t.Error("Pop() on empty stack should return empty")
	}
}

func TestFlashModelLevels(t *testing.T) {
	f := NewFlashModel()
	f.Err(nil)
	if f.GetMessage() != nil {
		t.Fatal("nil error produced a flash")
	}
	f.Warn("reconnecting")
	msg := <-f.Watch()
	if msg.Level != FlashWarn || msg.Text != "reconnecting" {
		t.Errorf("flash = %+v", msg)
	}
	f.Errf("send", errTest("offline"))
	if got := f.GetMessage(); got == nil || got.Text != "send: offline" || got.Level != FlashErr {
		t.Errorf("GetMessage() = %+v", got)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
