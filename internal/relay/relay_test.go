package relay

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"proxchat/internal/apperr"
	"proxchat/internal/database"
	"proxchat/internal/models"
	"proxchat/internal/presence"
)

type fakeRooms struct {
	database.RoomRepository
	touched []int
}

func (f *fakeRooms) TouchRoomActivity(ctx context.Context, roomID int) error {
	f.touched = append(f.touched, roomID)
	return nil
}

type frameSink struct {
	frames []models.Frame
}

func (s *frameSink) Enqueue(p []byte) bool {
	var f models.Frame
	if err := json.Unmarshal(p, &f); err == nil {
		s.frames = append(s.frames, f)
	}
	return true
}

func newTestRelay(t *testing.T) (*Relay, *presence.Registry, *fakeRooms) {
	t.Helper()
	reg := presence.NewRegistry()
	db := &fakeRooms{}
	r, err := New(reg, db)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return r, reg, db
}

func TestSendFansOutIncludingSender(t *testing.T) {
	r, reg, db := newTestRelay(t)
	alice := models.Session{ID: "s1", UserID: 10, Username: "alice"}
	bob := models.Session{ID: "s2", UserID: 20, Username: "bob"}
	aliceSink := &frameSink{}
	bobSink := &frameSink{}
	reg.Join(1, alice, aliceSink)
	reg.Join(1, bob, bobSink)

	id, err := r.Send(context.Background(), alice, 1, "  hello there  ")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if !strings.HasPrefix(id, "msg_") {
		t.Errorf("message id = %q, want msg_ prefix", id)
	}

	for name, sink := range map[string]*frameSink{"sender": aliceSink, "peer": bobSink} {
		if len(sink.frames) != 1 {
			t.Fatalf("%s received %d frames, want 1", name, len(sink.frames))
		}
		if sink.frames[0].Event != models.EventReceiveMessage {
			t.Errorf("%s received event %q, want receive_message", name, sink.frames[0].Event)
		}
		var msg models.Message
		if err := json.Unmarshal(sink.frames[0].Data, &msg); err != nil {
			t.Fatalf("%s payload did not decode: %v", name, err)
		}
		if msg.Body != "hello there" {
			t.Errorf("%s body = %q, want trimmed %q", name, msg.Body, "hello there")
		}
		if msg.ID != id {
			t.Errorf("%s message id = %q, want %q", name, msg.ID, id)
		}
		if msg.Sender.Username != "alice" {
			t.Errorf("%s sender = %q, want alice", name, msg.Sender.Username)
		}
	}

	if len(db.touched) != 1 || db.touched[0] != 1 {
		t.Errorf("activity stamp calls = %v, want [1]", db.touched)
	}
}

func TestSendValidation(t *testing.T) {
	r, reg, _ := newTestRelay(t)
	alice := models.Session{ID: "s1", UserID: 10, Username: "alice"}
	reg.Join(1, alice, &frameSink{})

	tests := []struct {
		name string
		body string
		kind apperr.Kind
	}{
		{"empty body", "", apperr.KindValidation},
		{"whitespace body", "   \n\t ", apperr.KindValidation},
		{"oversized body", strings.Repeat("x", 1001), apperr.KindValidation},
		{"oversized multibyte body", strings.Repeat("é", 1001), apperr.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Send(context.Background(), alice, 1, tt.body)
			if err == nil {
				t.Fatal("Send() expected error, got nil")
			}
			if apperr.KindOf(err) != tt.kind {
				t.Errorf("error kind = %v, want %v", apperr.KindOf(err), tt.kind)
			}
		})
	}

	// Exactly at the limit is still fine, and the limit is counted in
	// characters: 1000 two-byte runes are well over 1000 bytes.
	if _, err := r.Send(context.Background(), alice, 1, strings.Repeat("x", 1000)); err != nil {
		t.Errorf("Send() at max length returned error: %v", err)
	}
	if _, err := r.Send(context.Background(), alice, 1, strings.Repeat("é", 1000)); err != nil {
		t.Errorf("Send() at max multibyte length returned error: %v", err)
	}
}

func TestSendRequiresMembership(t *testing.T) {
	r, reg, db := newTestRelay(t)
	alice := models.Session{ID: "s1", UserID: 10, Username: "alice"}
	reg.Join(2, alice, &frameSink{})

	_, err := r.Send(context.Background(), alice, 1, "hello")
	if err == nil {
		t.Fatal("Send() to a non-member room succeeded")
	}
	if apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Errorf("error kind = %v, want unauthorized", apperr.KindOf(err))
	}
	if len(db.touched) != 0 {
		t.Error("activity stamp happened for a rejected send")
	}
}

func TestTyping(t *testing.T) {
	r, reg, _ := newTestRelay(t)
	alice := models.Session{ID: "s1", UserID: 10, Username: "alice"}
	bob := models.Session{ID: "s2", UserID: 20, Username: "bob"}
	aliceSink := &frameSink{}
	bobSink := &frameSink{}
	reg.Join(1, alice, aliceSink)
	reg.Join(1, bob, bobSink)

	r.Typing(alice, 1, true)
	r.Typing(alice, 1, false)

	if len(aliceSink.frames) != 0 {
		t.Error("typing indicator echoed back to its sender")
	}
	if len(bobSink.frames) != 2 {
		t.Fatalf("peer received %d typing frames, want 2", len(bobSink.frames))
	}
	if bobSink.frames[0].Event != models.EventTypingStart || bobSink.frames[1].Event != models.EventTypingStop {
		t.Errorf("typing events = %q, %q", bobSink.frames[0].Event, bobSink.frames[1].Event)
	}

	// Not a member of room 9: indicator is dropped silently.
	r.Typing(alice, 9, true)
	if len(bobSink.frames) != 2 {
		t.Error("typing for a foreign room leaked to room 1")
	}
}

func TestMessageTimestampIsUTC(t *testing.T) {
	r, reg, _ := newTestRelay(t)
	fixed := time.Date(2026, 5, 1, 9, 30, 0, 0, time.FixedZone("X", 3600))
	r.now = func() time.Time { return fixed }
	alice := models.Session{ID: "s1", UserID: 10, Username: "alice"}
	sink := &frameSink{}
	reg.Join(1, alice, sink)

	if _, err := r.Send(context.Background(), alice, 1, "hi"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	var msg models.Message
	if err := json.Unmarshal(sink.frames[0].Data, &msg); err != nil {
		t.Fatal(err)
	}
	if !msg.Timestamp.Equal(fixed) || msg.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp = %v, want %v in UTC", msg.Timestamp, fixed.UTC())
	}
}
