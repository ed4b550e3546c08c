package ws

import "context"

// IHub maps a user id to its live client. The last registration for a user wins.
type IHub interface {
	Run(ctx context.Context) error
	Register(userId string, client *UserClient)
	// Unregister removes every entry still held by client and reports the user ids it freed.
	Unregister(client *UserClient) []string
	Lookup(userId string) (*UserClient, bool)
	// SendToUser delivers an event to userId wherever it is connected. It reports false
	// when the user is not present.
	SendToUser(userId, event string, payload any) bool
	GetClientCount() int
	SetOnClientUnregister(callback func(userId string, client *UserClient) error)
}
