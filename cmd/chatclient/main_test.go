package main

import (
	"encoding/json"
	"testing"

	"github.com/w7109066-del/Migers-sub002/internal/client"
	"github.com/w7109066-del/Migers-sub002/internal/models"
)

func TestExecuteWithoutConnection(t *testing.T) {
	c := client.New(client.Config{URL: "ws://127.0.0.1:1", UserID: "u1"})
	current := ""

	if _, err := execute(c, &current, "hello"); err == nil {
		t.Error("expected error without a current room")
	}
	if _, err := execute(c, &current, "/join lobby"); err != nil {
		t.Errorf("join while offline should only remember the room: %v", err)
	}
	if current != "lobby" {
		t.Errorf("expected current room lobby, got %q", current)
	}
	if _, err := execute(c, &current, "/dm u2"); err == nil {
		t.Error("expected usage error for /dm without text")
	}
	if _, err := execute(c, &current, "/nope"); err == nil {
		t.Error("expected error for unknown command")
	}
	quit, err := execute(c, &current, "/quit")
	if err != nil || !quit {
		t.Errorf("expected quit, got %v %v", quit, err)
	}
}

func TestDescribe(t *testing.T) {
	data, _ := json.Marshal(models.MessagePayload{Message: models.Message{RoomID: "lobby", SenderName: "alice", Content: "hi"}})
	if got := describe(client.Event{Name: models.EventNewMessage, Data: data}); got != "[#lobby] alice: hi" {
		t.Errorf("unexpected line %q", got)
	}
	if got := describe(client.Event{Name: "unknown"}); got != "" {
		t.Errorf("unknown events should be silent, got %q", got)
	}
}
