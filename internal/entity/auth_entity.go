package entity

// TokenClaims is the authenticated identity carried by a request or socket.
type TokenClaims struct {
	UserId   string `json:"userId"`
	Username string `json:"username"`
}
