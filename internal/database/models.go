package database

import "time"

// User is a registered account. PasswordHash is a bcrypt hash, which carries
// its own per-user salt.
type User struct {
	Id           int
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}
