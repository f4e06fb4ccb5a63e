package models

import "time"

// StoredCredential is the sealed broker token of a user as read from storage.
type StoredCredential struct {
	UserID      uint
	SealedToken string
	Expiry      *time.Time
}
