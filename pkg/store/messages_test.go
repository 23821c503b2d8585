package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/mokny/meshbot/pkg/models"
)

func openTestStores(t *testing.T) *Stores {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func rxMessage(conv models.Conversation, ts int64, text string) *models.Message {
	return &models.Message{
		Ts:               ts,
		ConversationType: conv.Type,
		Channel:          conv.Channel,
		PeerID:           conv.PeerID,
		Direction:        models.DirectionRX,
		Message:          text,
	}
}

func TestAddAssignsID(t *testing.T) {
	s := openTestStores(t)
	msg := rxMessage(models.ChannelConversation(0), 1000, "hello")
	if err := s.Messages.Add(msg, 100); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if msg.ID == 0 {
		t.Error("Add() did not write back the row id")
	}
}

func TestRetentionPrunesOldestPerConversation(t *testing.T) {
	s := openTestStores(t)
	conv := models.ChannelConversation(0)
	other := models.ChannelConversation(1)

	for i := 0; i < 15; i++ {
		if err := s.Messages.Add(rxMessage(conv, int64(1000+i), fmt.Sprintf("ch0 %d", i)), 10); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 5; i++ {
		if err := s.Messages.Add(rxMessage(other, int64(2000+i), fmt.Sprintf("ch1 %d", i)), 10); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.Messages.List(MessageQuery{Conversation: conv, Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 10 {
		t.Fatalf("conversation kept %d rows, want 10", len(msgs))
	}
	// Newest first by default; the survivors are the last ten inserts.
	if msgs[0].Message != "ch0 14" {
		t.Errorf("newest row = %q, want ch0 14", msgs[0].Message)
	}
	if msgs[9].Message != "ch0 5" {
		t.Errorf("oldest surviving row = %q, want ch0 5", msgs[9].Message)
	}

	otherMsgs, err := s.Messages.List(MessageQuery{Conversation: other})
	if err != nil {
		t.Fatal(err)
	}
	if len(otherMsgs) != 5 {
		t.Errorf("other conversation has %d rows, want 5 untouched", len(otherMsgs))
	}
}

func TestRetentionSeparatesChannelsAndDMs(t *testing.T) {
	s := openTestStores(t)
	ch := models.ChannelConversation(0)
	dm := models.DMConversation("!aabbccdd")

	for i := 0; i < 4; i++ {
		if err := s.Messages.Add(rxMessage(ch, int64(i), "ch"), 2); err != nil {
			t.Fatal(err)
		}
		if err := s.Messages.Add(rxMessage(dm, int64(i), "dm"), 2); err != nil {
			t.Fatal(err)
		}
	}

	chMsgs, _ := s.Messages.List(MessageQuery{Conversation: ch})
	dmMsgs, _ := s.Messages.List(MessageQuery{Conversation: dm})
	if len(chMsgs) != 2 || len(dmMsgs) != 2 {
		t.Errorf("got %d channel and %d dm rows, want 2 each", len(chMsgs), len(dmMsgs))
	}
}

func TestListPagination(t *testing.T) {
	s := openTestStores(t)
	conv := models.ChannelConversation(3)
	for i := 1; i <= 20; i++ {
		if err := s.Messages.Add(rxMessage(conv, int64(i), fmt.Sprintf("msg %d", i)), 0); err != nil {
			t.Fatal(err)
		}
	}

	page1, err := s.Messages.List(MessageQuery{Conversation: conv, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 10 {
		t.Fatalf("page1 has %d rows, want 10", len(page1))
	}
	if page1[0].Message != "msg 20" || page1[9].Message != "msg 11" {
		t.Errorf("page1 spans %q..%q, want msg 20..msg 11", page1[0].Message, page1[9].Message)
	}

	page2, err := s.Messages.List(MessageQuery{
		Conversation: conv, Limit: 10, BeforeID: page1[9].ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 10 {
		t.Fatalf("page2 has %d rows, want 10", len(page2))
	}
	if page2[0].Message != "msg 10" || page2[9].Message != "msg 1" {
		t.Errorf("page2 spans %q..%q, want msg 10..msg 1", page2[0].Message, page2[9].Message)
	}

	// Ascending with after_id walks forward.
	asc, err := s.Messages.List(MessageQuery{
		Conversation: conv, Limit: 5, Order: "asc", AfterID: page2[5].ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(asc) != 5 {
		t.Fatalf("asc page has %d rows, want 5", len(asc))
	}
	for i := 1; i < len(asc); i++ {
		if asc[i].ID <= asc[i-1].ID {
			t.Errorf("asc page not ordered: id %d after %d", asc[i].ID, asc[i-1].ID)
		}
	}
}

func TestListFiltersDirection(t *testing.T) {
	s := openTestStores(t)
	conv := models.ChannelConversation(0)

	rx := rxMessage(conv, 1, "in")
	if err := s.Messages.Add(rx, 0); err != nil {
		t.Fatal(err)
	}
	tx := rxMessage(conv, 2, "out")
	tx.Direction = models.DirectionTX
	if err := s.Messages.Add(tx, 0); err != nil {
		t.Fatal(err)
	}

	got, err := s.Messages.List(MessageQuery{Conversation: conv, Direction: "tx"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Message != "out" {
		t.Errorf("direction filter returned %+v", got)
	}
}

func TestListClampsLimit(t *testing.T) {
	s := openTestStores(t)
	conv := models.ChannelConversation(0)
	if err := s.Messages.Add(rxMessage(conv, 1, "x"), 0); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Messages.List(MessageQuery{Conversation: conv, Limit: 5000}); err != nil {
		t.Errorf("oversized limit should clamp, got error: %v", err)
	}
	if _, err := s.Messages.List(MessageQuery{Conversation: conv, Limit: -3}); err != nil {
		t.Errorf("negative limit should default, got error: %v", err)
	}
}
