package kite

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

// Credential is a decrypted broker access token scoped to one operation.
// The secret is only readable inside this package and is wiped by the
// release func handed out with it; afterwards every call fails with ErrCredentialReleased.
type Credential struct {
	userID uint
	secret *secret
}

type secret struct {
	token []byte
}

// NewCredential wraps a decrypted token. The caller owns the token slice from now on only
// through the returned release func, which zeroes it.
func NewCredential(userID uint, token []byte) (Credential, func()) {
	s := &secret{token: token}
	release := func() {
		for i := range s.token {
			s.token[i] = 0
		}
		s.token = nil
	}
	return Credential{userID: userID, secret: s}, release
}

// UserID is the owner of the credential.
func (c Credential) UserID() uint {
	return c.userID
}

func (c Credential) accessToken() (string, error) {
	if c.secret == nil || len(c.secret.token) == 0 {
		return "", ErrCredentialReleased
	}
	return string(c.secret.token), nil
}

// String never prints the token.
func (c Credential) String() string {
	return fmt.Sprintf("kite.Credential{user_id: %d, token: %s}", c.userID, redacted)
}

// GoString never prints the token.
func (c Credential) GoString() string {
	return c.String()
}

// MarshalJSON never encodes the token.
func (c Credential) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{"user_id": c.userID, "token": redacted})
}

// MarshalLogObject never logs the token.
func (c Credential) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint("user_id", c.userID)
	enc.AddString("token", redacted)
	return nil
}
