package models

import "testing"

func TestNewMessage(t *testing.T) {
	msg := NewMessage(ChannelTelegram, DirectionInbound, RoleUser, "hello")

	if msg.ID == "" {
		t.Error("expected generated ID")
	}
	if msg.Channel != ChannelTelegram {
		t.Errorf("channel = %q, want telegram", msg.Channel)
	}
	if msg.Direction != DirectionInbound {
		t.Errorf("direction = %q, want inbound", msg.Direction)
	}
	if msg.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestNewMessageUniqueIDs(t *testing.T) {
	a := NewMessage(ChannelAPI, DirectionInbound, RoleUser, "a")
	b := NewMessage(ChannelAPI, DirectionInbound, RoleUser, "b")
	if a.ID == b.ID {
		t.Errorf("expected unique IDs, got %q twice", a.ID)
	}
}
