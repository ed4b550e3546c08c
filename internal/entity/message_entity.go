package entity

import "time"

// Message is the stored record. ReadAt is set iff Read is true.
type Message struct {
	Id        string     `bson:"_id" json:"_id"`
	Sender    string     `bson:"sender" json:"sender"`
	Receiver  string     `bson:"receiver" json:"receiver"`
	Content   string     `bson:"content" json:"content"`
	Timestamp time.Time  `bson:"timestamp" json:"timestamp"`
	Read      bool       `bson:"read" json:"read"`
	ReadAt    *time.Time `bson:"readAt" json:"readAt"`

	// ReadBatch tags the documents flipped by one MarkRead call.
	ReadBatch string `bson:"readBatch,omitempty" json:"-"`
}

// MarkAsRead flips the read flag. It is a no-op on an already read message.
func (m *Message) MarkAsRead(at time.Time) bool {
	if m.Read {
		return false
	}
	m.Read = true
	m.ReadAt = &at
	return true
}

