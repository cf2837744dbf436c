package account

import (
	"context"

	domain "duemari/internal/domain/account"
)

// Store persists Account state and activation tokens.
type Store interface {
	GetByID(ctx context.Context, id string) (domain.Account, error)
	GetByEmail(ctx context.Context, email string) (domain.Account, error)
	Save(ctx context.Context, value domain.Account) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)

	// FindByApprovedFiscalCode returns accounts whose fiscal code matches and
	// whose originating registration is approved. Callers treat anything other
	// than exactly one result as a failed lookup.
	FindByApprovedFiscalCode(ctx context.Context, fiscalCode string) ([]domain.Account, error)

	SaveActivationToken(ctx context.Context, token domain.ActivationToken) error
	GetActivationTokenByToken(ctx context.Context, token string) (domain.ActivationToken, error)
	InvalidateTokensForAccount(ctx context.Context, accountID string) error
	DeleteTokensForAccount(ctx context.Context, accountID string) error
}
