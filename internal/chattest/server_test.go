package chattest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/medchat/internal/chat"
	"github.com/matheus3301/medchat/internal/restapi"
)

func newClient(t *testing.T, s *Server, token string) *restapi.Client {
	t.Helper()
	c, err := restapi.New(restapi.Options{BaseURL: s.APIURL()})
	if err != nil {
		t.Fatal(err)
	}
	c.SetToken(token)
	return c
}

func seeded(t *testing.T) *Server {
	t.Helper()
	s := New()
	t.Cleanup(s.Close)
	s.AddUser(restapi.User{ID: 20, Name: "Dra. Ruiz", Role: chat.RoleDoctor}, "doc")
	s.AddUser(restapi.User{ID: 10, Name: "Ana Pérez", Role: chat.RolePatient}, "pat")
	s.AddUser(restapi.User{ID: 11, Name: "Andrés", Role: chat.RolePatient}, "pat2")
	return s
}

func TestRESTConversationsAndHistory(t *testing.T) {
	s := seeded(t)
	conv := s.AddConversation(20, 10)
	s.InjectMessage(conv.ID, 10, "hola")
	s.InjectMessage(conv.ID, 10, "¿está?")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	doc := newClient(t, s, "doc")

	convs, err := doc.Conversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].UnreadCount != 2 || convs[0].LastMessagePreview != "¿está?" {
		t.Fatalf("conversations = %+v", convs)
	}
	msgs, err := doc.Messages(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID >= msgs[1].ID {
		t.Errorf("history = %+v", msgs)
	}

	other := newClient(t, s, "pat2")
	if convs, err := other.Conversations(ctx); err != nil || len(convs) != 0 {
		t.Errorf("non-participant sees %+v, %v", convs, err)
	}
	var se *restapi.StatusError
	if _, err := other.Messages(ctx, conv.ID); !errors.As(err, &se) || se.Status != 404 {
		t.Errorf("non-participant history error = %v", err)
	}
}

func TestRESTRejectsUnknownToken(t *testing.T) {
	s := seeded(t)
	var se *restapi.StatusError
	_, err := newClient(t, s, "nope").Conversations(context.Background())
	if !errors.As(err, &se) || !se.Unauthorized() || se.Message != "invalid token" {
		t.Errorf("err = %v", err)
	}
}

func TestRESTSearchAndEligibility(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	doc := newClient(t, s, "doc")

	users, err := doc.SearchUsers(ctx, "an", chat.RolePatient)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0].ID != 10 || users[1].ID != 11 {
		t.Errorf("users = %+v", users)
	}

	e, err := doc.CanChat(ctx, 10)
	if err != nil || !e.CanChat || e.HasExistingChat {
		t.Errorf("fresh eligibility = %+v, %v", e, err)
	}
	conv := s.AddConversation(20, 10)
	if e, _ := doc.CanChat(ctx, 10); !e.HasExistingChat || e.ChatID != conv.ID {
		t.Errorf("existing eligibility = %+v", e)
	}
	s.SetEligibility(11, restapi.Eligibility{Reason: "Sin cita previa"})
	if e, _ := doc.CanChat(ctx, 11); e.CanChat || e.Reason != "Sin cita previa" {
		t.Errorf("blocked eligibility = %+v", e)
	}
}

func TestRESTUpload(t *testing.T) {
	s := seeded(t)
	conv := s.AddConversation(20, 10)
	doc := newClient(t, s, "doc")

	fi, err := doc.Upload(context.Background(), restapi.UploadRequest{
		ConversationID: conv.ID,
		FileName:       "receta.pdf",
		ContentType:    "application/pdf",
		Body:           strings.NewReader("%PDF-1.7"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if fi.Name != "receta.pdf" || fi.Size != 8 || fi.Type != "application/pdf" {
		t.Errorf("file info = %+v", fi)
	}
	if body, ok := s.Upload(fi.URL); !ok || string(body) != "%PDF-1.7" {
		t.Errorf("stored %q, %v", body, ok)
	}
}
