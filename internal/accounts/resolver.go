package accounts

import (
	"context"
	"errors"

	"MailSpool/internal/apperr"
	"MailSpool/internal/db"
	"MailSpool/internal/models"
)

type Lookup interface {
	GetAccount(ctx context.Context, alias string) (*models.EmailAccount, error)
}

// Resolver maps an alias to its SMTP account. Lookups always hit the
// store; the table is small and rarely written.
type Resolver struct {
	lookup Lookup
}

func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

func (r *Resolver) Resolve(ctx context.Context, alias string) (*models.EmailAccount, error) {
	a, err := r.lookup.GetAccount(ctx, alias)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.UnknownAlias(alias)
		}
		return nil, apperr.StoreUnavailable("resolve alias "+alias, err)
	}
	return a, nil
}
