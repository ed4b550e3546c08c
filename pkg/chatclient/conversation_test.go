package chatclient

import (
	"strings"
	"testing"
	"time"

	"friendfinder/pkg/protocol"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func conversationAt(times ...time.Time) *Conversation {
	c := NewConversation("alice", "bob")
	c.now = func() time.Time {
		next := times[0]
		if len(times) > 1 {
			times = times[1:]
		}
		return next
	}
	return c
}

func inbound(id string, at time.Time) protocol.Message {
	return protocol.Message{Id: id, Sender: "bob", Receiver: "alice", Content: "yo", Timestamp: at}
}

func TestConversation_AppendPending(t *testing.T) {
	req := require.New(t)
	c := conversationAt(t0)

	m := c.AppendPending("hi")
	req.True(strings.HasPrefix(m.ClientMessageId, "temp-"))
	req.Empty(m.Id)
	req.True(m.IsSent)
	req.True(m.Pending())
	req.Equal(t0, m.Timestamp)
	req.Len(c.Messages(), 1)
}

func TestConversation_Confirm_By_Token_Disambiguates_Same_Instant(t *testing.T) {
	req := require.New(t)
	c := conversationAt(t0, t0)
	first := c.AppendPending("one")
	second := c.AppendPending("two")

	req.True(c.ApplyConfirmed(protocol.MessageSent{Id: "m2", ClientMessageId: second.ClientMessageId, Timestamp: t0}))
	req.True(c.ApplyConfirmed(protocol.MessageSent{Id: "m1", ClientMessageId: first.ClientMessageId, Timestamp: t0}))

	messages := c.Messages()
	req.Len(messages, 2)
	req.Equal("m1", messages[0].Id)
	req.Equal("one", messages[0].Content)
	req.Equal("m2", messages[1].Id)
	req.Equal("two", messages[1].Content)
}

func TestConversation_Confirm_By_Timestamp_Within_Tolerance(t *testing.T) {
	req := require.New(t)
	c := conversationAt(t0)
	c.AppendPending("hi")

	req.False(c.ApplyConfirmed(protocol.MessageSent{Id: "late", Timestamp: t0.Add(2 * time.Second)}))
	req.True(c.ApplyConfirmed(protocol.MessageSent{Id: "m1", Timestamp: t0.Add(500 * time.Millisecond)}))

	messages := c.Messages()
	req.Len(messages, 1)
	req.Equal("m1", messages[0].Id)
	req.Equal(t0.Add(500*time.Millisecond), messages[0].Timestamp)
}

func TestConversation_Confirm_Picks_Nearest_Pending(t *testing.T) {
	req := require.New(t)
	c := conversationAt(t0, t0.Add(600*time.Millisecond))
	c.AppendPending("one")
	c.AppendPending("two")

	req.True(c.ApplyConfirmed(protocol.MessageSent{Id: "m2", Timestamp: t0.Add(550 * time.Millisecond)}))

	messages := c.Messages()
	req.Empty(messages[0].Id)
	req.Equal("m2", messages[1].Id)
}

func TestConversation_Duplicate_Confirmation_Leaves_One_Entry(t *testing.T) {
	req := require.New(t)
	c := conversationAt(t0, t0)
	pending := c.AppendPending("hi")
	c.AppendPending("again")

	sent := protocol.MessageSent{Id: "m1", ClientMessageId: pending.ClientMessageId, Timestamp: t0}
	req.True(c.ApplyConfirmed(sent))
	req.False(c.ApplyConfirmed(sent))

	ids := 0
	for _, m := range c.Messages() {
		if m.Id == "m1" {
			ids++
		}
	}
	req.Equal(1, ids)
	req.Len(c.Messages(), 2)
}

func TestConversation_History_Before_Confirmation_Keeps_One_Entry(t *testing.T) {
	req := require.New(t)
	c := conversationAt(t0, t0.Add(time.Second))
	pending := c.AppendPending("hi")
	other := c.AppendPending("hi")

	c.LoadHistory([]protocol.Message{{Id: "m1", Sender: "alice", Receiver: "bob", Content: "hi", Timestamp: t0}})
	req.Len(c.Messages(), 3)

	req.True(c.ApplyConfirmed(protocol.MessageSent{Id: "m1", ClientMessageId: pending.ClientMessageId, Timestamp: t0}))

	messages := c.Messages()
	req.Len(messages, 2)
	req.Equal("m1", messages[0].Id)
	req.False(messages[0].Pending())
	req.Equal(other.ClientMessageId, messages[1].ClientMessageId)
	req.True(messages[1].Pending())

	req.False(c.ApplyConfirmed(protocol.MessageSent{Id: "m1", ClientMessageId: pending.ClientMessageId, Timestamp: t0}))
	req.Len(c.Messages(), 2)
}

func TestConversation_History_Before_Untagged_Confirmation_Matches_Content(t *testing.T) {
	req := require.New(t)
	c := conversationAt(t0, t0)
	c.AppendPending("hi")
	draft := c.AppendPending("something else")

	c.LoadHistory([]protocol.Message{{Id: "m1", Sender: "alice", Receiver: "bob", Content: "hi", Timestamp: t0.Add(100 * time.Millisecond)}})

	req.True(c.ApplyConfirmed(protocol.MessageSent{Id: "m1", Timestamp: t0.Add(100 * time.Millisecond), Read: true, ReadAt: &t0}))

	messages := c.Messages()
	req.Len(messages, 2)
	req.Equal("m1", messages[0].Id)
	req.True(messages[0].Read)
	req.Equal(draft.ClientMessageId, messages[1].ClientMessageId)
}

func TestConversation_ApplyReceived(t *testing.T) {
	req := require.New(t)
	c := NewConversation("alice", "bob")

	added, fromPeer := c.ApplyReceived(inbound("m1", t0))
	req.True(added)
	req.True(fromPeer)

	added, fromPeer = c.ApplyReceived(inbound("m1", t0))
	req.False(added)
	req.True(fromPeer)

	added, _ = c.ApplyReceived(protocol.Message{Id: "x", Sender: "carol", Receiver: "alice"})
	req.False(added)

	req.Len(c.Messages(), 1)
	req.False(c.Messages()[0].IsSent)
}

func TestConversation_ApplyReadReceipt(t *testing.T) {
	req := require.New(t)
	c := conversationAt(t0, t0.Add(time.Minute))
	one := c.AppendPending("one")
	two := c.AppendPending("two")
	c.ApplyConfirmed(protocol.MessageSent{Id: "m1", ClientMessageId: one.ClientMessageId, Timestamp: t0})
	c.ApplyConfirmed(protocol.MessageSent{Id: "m2", ClientMessageId: two.ClientMessageId, Timestamp: t0.Add(time.Minute)})

	readAt := t0.Add(time.Hour)
	req.Zero(c.ApplyReadReceipt(protocol.MessagesRead{By: "carol", MessageIds: []string{"m1"}, ReadAt: readAt}))

	req.Equal(1, c.ApplyReadReceipt(protocol.MessagesRead{By: "bob", Count: 1, MessageIds: []string{"m1"}, ReadAt: readAt}))
	messages := c.Messages()
	req.True(messages[0].Read)
	req.Equal(readAt, *messages[0].ReadAt)
	req.False(messages[1].Read)

	// a repeated receipt never moves the read time
	later := readAt.Add(time.Hour)
	req.Zero(c.ApplyReadReceipt(protocol.MessagesRead{By: "bob", MessageIds: []string{"m1"}, ReadAt: later}))
	req.Equal(readAt, *c.Messages()[0].ReadAt)
}

func TestConversation_ReadReceipt_Prefers_Per_Message_ReadAt(t *testing.T) {
	req := require.New(t)
	c := conversationAt(t0)
	one := c.AppendPending("one")
	c.ApplyConfirmed(protocol.MessageSent{Id: "m1", ClientMessageId: one.ClientMessageId, Timestamp: t0})

	own := t0.Add(time.Minute)
	c.ApplyReadReceipt(protocol.MessagesRead{
		By:       "bob",
		ReadAt:   t0.Add(time.Hour),
		Messages: []protocol.Message{{Id: "m1", Sender: "alice", Receiver: "bob", Read: true, ReadAt: &own}},
	})
	req.Equal(own, *c.Messages()[0].ReadAt)
}

func TestConversation_Resync_Without_Known_Ids_Marks_Own_Sent(t *testing.T) {
	req := require.New(t)
	c := conversationAt(t0, t0)
	one := c.AppendPending("one")
	c.ApplyConfirmed(protocol.MessageSent{Id: "m1", ClientMessageId: one.ClientMessageId, Timestamp: t0})
	c.AppendPending("still pending")
	c.ApplyReceived(inbound("in1", t0))

	flipped := c.ApplyReadReceipt(protocol.MessagesRead{By: "bob", IsResync: true, MessageIds: []string{"unknown"}, ReadAt: t0})
	req.Equal(1, flipped)

	messages := c.Messages()
	req.True(messages[0].Read)
	req.False(messages[1].Read, "unconfirmed messages cannot have been read")
	req.False(messages[2].Read, "peer's messages are untouched")
}

func TestConversation_ApplyReadStatusSync(t *testing.T) {
	req := require.New(t)
	c := conversationAt(t0, t0)
	one := c.AppendPending("one")
	two := c.AppendPending("two")
	c.ApplyConfirmed(protocol.MessageSent{Id: "m1", ClientMessageId: one.ClientMessageId, Timestamp: t0})
	c.ApplyConfirmed(protocol.MessageSent{Id: "m2", ClientMessageId: two.ClientMessageId, Timestamp: t0})
	c.ApplyReadReceipt(protocol.MessagesRead{By: "bob", MessageIds: []string{"m2"}, ReadAt: t0})

	readAt := t0.Add(time.Minute)
	flipped := c.ApplyReadStatusSync(protocol.ReadStatusSync{Messages: []protocol.Message{
		{Id: "m1", Read: true, ReadAt: &readAt},
		{Id: "m2", Read: false},
	}})
	req.Equal(1, flipped)

	messages := c.Messages()
	req.True(messages[0].Read)
	req.Equal(readAt, *messages[0].ReadAt)
	req.True(messages[1].Read, "read never reverts")
}

func TestConversation_ApplyError_Flags_Oldest_Pending(t *testing.T) {
	req := require.New(t)
	c := conversationAt(t0, t0.Add(5*time.Second))
	first := c.AppendPending("one")
	c.AppendPending("two")

	failed, ok := c.ApplyError()
	req.True(ok)
	req.Equal(first.ClientMessageId, failed.ClientMessageId)

	messages := c.Messages()
	req.True(messages[0].Failed)
	req.False(messages[1].Failed)

	// a late confirmation still wins
	req.True(c.ApplyConfirmed(protocol.MessageSent{Id: "m1", ClientMessageId: first.ClientMessageId, Timestamp: t0}))
	req.False(c.Messages()[0].Failed)
}

func TestConversation_LoadHistory_Keeps_Pending_And_Read_State(t *testing.T) {
	req := require.New(t)
	c := conversationAt(t0)
	c.ApplyReceived(inbound("m1", t0))
	c.ApplyReadStatusSync(protocol.ReadStatusSync{Messages: []protocol.Message{{Id: "m1", Read: true, ReadAt: &t0}}})
	pending := c.AppendPending("draft")

	c.LoadHistory([]protocol.Message{
		inbound("m0", t0.Add(-time.Minute)),
		inbound("m1", t0),
		{Id: "other", Sender: "carol", Receiver: "alice"},
	})

	messages := c.Messages()
	req.Len(messages, 3)
	req.Equal("m0", messages[0].Id)
	req.Equal("m1", messages[1].Id)
	req.True(messages[1].Read)
	req.Equal(pending.ClientMessageId, messages[2].ClientMessageId)
}
