package entity

// User is the subset of the profile the messaging core needs: who is friends with whom.
type User struct {
	Id       string   `bson:"_id" json:"id"`
	Username string   `bson:"username" json:"username"`
	Friends  []string `bson:"friends" json:"friends"`
}
