package chatclient

import (
	"slices"
	"sync"
	"time"

	"friendfinder/pkg/protocol"

	"github.com/google/uuid"
)

// confirmTolerance bounds how far a confirmation timestamp may sit from a pending
// message's client timestamp when no correlation token comes back.
const confirmTolerance = time.Second

// LocalMessage is a message as the client displays it. Pending messages have an empty
// Id and a ClientMessageId until the server confirms them.
type LocalMessage struct {
	Id              string
	ClientMessageId string
	Sender          string
	Receiver        string
	Content         string
	Timestamp       time.Time
	Read            bool
	ReadAt          *time.Time
	IsSent          bool
	Failed          bool
}

func (m LocalMessage) Pending() bool {
	return m.IsSent && m.Id == "" && !m.Failed
}

func fromProtocol(m protocol.Message, self string) LocalMessage {
	return LocalMessage{
		Id:        m.Id,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Read:      m.Read,
		ReadAt:    m.ReadAt,
		IsSent:    m.Sender == self,
	}
}

// Conversation is the ordered-by-arrival message list between self and peer.
type Conversation struct {
	self string
	peer string
	now  func() time.Time

	mu       sync.Mutex
	messages []LocalMessage
}

func NewConversation(self, peer string) *Conversation {
	return &Conversation{
		self: self,
		peer: peer,
		now:  time.Now,
	}
}

func (c *Conversation) Peer() string { return c.peer }

func (c *Conversation) Messages() []LocalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// AppendPending adds an optimistic entry for content and returns it.
func (c *Conversation) AppendPending(content string) LocalMessage {
	m := LocalMessage{
		ClientMessageId: "temp-" + uuid.NewString(),
		Sender:          c.self,
		Receiver:        c.peer,
		Content:         content,
		Timestamp:       c.now().UTC(),
		IsSent:          true,
	}

	c.mu.Lock()
	c.messages = append(c.messages, m)
	c.mu.Unlock()
	return m
}

// ApplyConfirmed replaces the matching pending entry in place. It never appends. When
// history already delivered the stored copy, the pending twin is dropped instead.
func (c *Conversation) ApplyConfirmed(sent protocol.MessageSent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if known := c.indexOf(sent.Id); known >= 0 {
		twin := c.pendingTwin(sent, c.messages[known].Content)
		if twin < 0 {
			return false
		}
		if sent.Read {
			markRead(&c.messages[known], sent.ReadAt, time.Time{})
		}
		c.messages = slices.Delete(c.messages, twin, twin+1)
		return true
	}

	i := c.pendingByToken(sent.ClientMessageId)
	if i < 0 {
		i = c.pendingNearest(sent.Timestamp)
	}
	if i < 0 {
		return false
	}

	m := &c.messages[i]
	m.Id = sent.Id
	m.Timestamp = sent.Timestamp
	m.Failed = false
	if sent.Read {
		markRead(m, sent.ReadAt, time.Time{})
	}
	return true
}

// ApplyReceived appends an inbound message unless it is already known. fromPeer
// reports whether it came from the open conversation partner.
func (c *Conversation) ApplyReceived(m protocol.Message) (added, fromPeer bool) {
	if !c.belongs(m) {
		return false, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fromPeer = m.Sender == c.peer
	if c.indexOf(m.Id) >= 0 {
		return false, fromPeer
	}
	c.messages = append(c.messages, fromProtocol(m, c.self))
	return true, fromPeer
}

// ApplyReadReceipt applies a messages_read event sent by the peer and returns how many
// local entries flipped to read.
func (c *Conversation) ApplyReadReceipt(r protocol.MessagesRead) int {
	if r.By != c.peer {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	flipped, matched := 0, 0
	for _, m := range r.Messages {
		if i := c.indexOf(m.Id); i >= 0 {
			matched++
			if markRead(&c.messages[i], m.ReadAt, r.ReadAt) {
				flipped++
			}
		}
	}
	for _, id := range r.MessageIds {
		if i := c.indexOf(id); i >= 0 {
			matched++
			if markRead(&c.messages[i], nil, r.ReadAt) {
				flipped++
			}
		}
	}

	// A resync that names nothing we hold still means the peer has read everything
	// we sent before it.
	if r.IsResync && matched == 0 {
		for i := range c.messages {
			m := &c.messages[i]
			if m.Sender == c.self && m.Id != "" && markRead(m, nil, r.ReadAt) {
				flipped++
			}
		}
	}
	return flipped
}

// ApplyReadStatusSync merges historical read state without acknowledging anything.
func (c *Conversation) ApplyReadStatusSync(s protocol.ReadStatusSync) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	flipped := 0
	for _, m := range s.Messages {
		if !m.Read {
			continue
		}
		if i := c.indexOf(m.Id); i >= 0 && markRead(&c.messages[i], m.ReadAt, time.Time{}) {
			flipped++
		}
	}
	return flipped
}

// ApplyError flags the oldest pending message as failed.
func (c *Conversation) ApplyError() (LocalMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.messages {
		if c.messages[i].Pending() {
			c.messages[i].Failed = true
			return c.messages[i], true
		}
	}
	return LocalMessage{}, false
}

// Fail flags the pending entry carrying clientMessageId.
func (c *Conversation) Fail(clientMessageId string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.pendingByToken(clientMessageId)
	if i < 0 {
		return false
	}
	c.messages[i].Failed = true
	return true
}

// LoadHistory replaces the confirmed entries with history and keeps unconfirmed ones
// at the end. Read flags already known locally are never lost.
func (c *Conversation) LoadHistory(history []protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	known := make(map[string]LocalMessage, len(c.messages))
	var pending []LocalMessage
	for _, m := range c.messages {
		if m.Id == "" {
			pending = append(pending, m)
			continue
		}
		known[m.Id] = m
	}

	merged := make([]LocalMessage, 0, len(history)+len(pending))
	for _, h := range history {
		if !c.belongs(h) {
			continue
		}
		m := fromProtocol(h, c.self)
		if prev, ok := known[m.Id]; ok && prev.Read {
			markRead(&m, prev.ReadAt, time.Time{})
		}
		merged = append(merged, m)
	}
	c.messages = append(merged, pending...)
}

func (c *Conversation) belongs(m protocol.Message) bool {
	return (m.Sender == c.peer && m.Receiver == c.self) || (m.Sender == c.self && m.Receiver == c.peer)
}

func (c *Conversation) indexOf(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(c.messages, func(m LocalMessage) bool { return m.Id == id })
}

func (c *Conversation) pendingByToken(token string) int {
	if token == "" {
		return -1
	}
	return slices.IndexFunc(c.messages, func(m LocalMessage) bool {
		return m.IsSent && m.Id == "" && m.ClientMessageId == token
	})
}

// pendingTwin finds the unconfirmed entry a stored message was created from: by token,
// else the nearest pending entry with the same content.
func (c *Conversation) pendingTwin(sent protocol.MessageSent, content string) int {
	if sent.ClientMessageId != "" {
		return c.pendingByToken(sent.ClientMessageId)
	}
	best, bestDelta := -1, confirmTolerance+1
	for i, m := range c.messages {
		if !m.IsSent || m.Id != "" || m.Content != content {
			continue
		}
		delta := m.Timestamp.Sub(sent.Timestamp).Abs()
		if delta <= confirmTolerance && delta < bestDelta {
			best, bestDelta = i, delta
		}
	}
	return best
}

func (c *Conversation) pendingNearest(at time.Time) int {
	best, bestDelta := -1, confirmTolerance+1
	for i, m := range c.messages {
		if !m.IsSent || m.Id != "" {
			continue
		}
		delta := m.Timestamp.Sub(at).Abs()
		if delta <= confirmTolerance && delta < bestDelta {
			best, bestDelta = i, delta
		}
	}
	return best
}

// markRead sets the read flag with readAt, else fallback, else now. It reports whether
// the flag changed; a read message never becomes unread.
func markRead(m *LocalMessage, readAt *time.Time, fallback time.Time) bool {
	if m.Read {
		return false
	}
	m.Read = true
	switch {
	case readAt != nil:
		t := *readAt
		m.ReadAt = &t
	case !fallback.IsZero():
		m.ReadAt = &fallback
	default:
		now := time.Now().UTC()
		m.ReadAt = &now
	}
	return true
}
