package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trade-mirror-go/internal/kite"
	"trade-mirror-go/internal/models"

	"go.uber.org/zap"
)

var (
	// ErrCredentialMissing means the user has no broker token on file.
	ErrCredentialMissing = errors.New("credentials: broker credential missing")
	// ErrCredentialExpired means the stored token is past its expiry.
	ErrCredentialExpired = errors.New("credentials: broker credential expired")
)

// Source loads sealed credentials.
type Source interface {
	GetCredential(ctx context.Context, userID uint) (*models.StoredCredential, error)
}

// Vault is the only place where broker tokens are decrypted.
type Vault struct {
	source Source
	sealer *Sealer
	logger *zap.Logger
	now    func() time.Time
}

// NewVault creates a vault reading sealed tokens from source.
func NewVault(source Source, sealer *Sealer, logger *zap.Logger) *Vault {
	return &Vault{
		source: source,
		sealer: sealer,
		logger: logger.Named("vault"),
		now:    time.Now,
	}
}

// With decrypts the user's broker token, runs fn with it and wipes it afterwards.
// The credential must not be retained by fn.
func (v *Vault) With(ctx context.Context, userID uint, fn func(kite.Credential) error) error {
	stored, err := v.source.GetCredential(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load credential of user %d: %w", userID, err)
	}
	if stored == nil {
		return ErrCredentialMissing
	}
	if stored.Expiry != nil && !stored.Expiry.After(v.now()) {
		return ErrCredentialExpired
	}

	token, err := v.sealer.Open(stored.SealedToken)
	if err != nil {
		v.logger.Error("Failed to open stored credential", zap.Uint("user_id", userID), zap.Error(err))
		return fmt.Errorf("user %d: %w", userID, err)
	}

	cred, release := kite.NewCredential(userID, token)
	defer release()
	return fn(cred)
}

// IsUnavailable reports whether err means the user cannot trade right now
// (missing, expired or undecryptable credential).
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrCredentialMissing) ||
		errors.Is(err, ErrCredentialExpired) ||
		errors.Is(err, ErrSealedTokenInvalid)
}
