package provider

import (
	"context"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
	"triage_server/pkg/ratelimit"
)

// Factory resolves the transport for an account's provider kind. Only Gmail
// is wired today; the indirection keeps the pipeline provider-agnostic.
type Factory struct {
	accounts out.AccountRepository
	gmail    *GmailAdapter
}

func NewFactory(cfg Config, accounts out.AccountRepository, raw out.RawMessageStore, guard *ratelimit.ProviderGuard) *Factory {
	return &Factory{
		accounts: accounts,
		gmail:    NewGmailAdapter(cfg, accounts, raw, guard),
	}
}

// ForKind returns the adapter for a provider kind.
func (f *Factory) ForKind(kind domain.ProviderKind) (out.MailProvider, error) {
	switch kind {
	case domain.ProviderGmail:
		return f.gmail, nil
	default:
		return nil, apperr.InvalidInput("provider", string(kind)+" is not a supported mail provider")
	}
}

// ForAccount loads the account and returns its adapter.
func (f *Factory) ForAccount(ctx context.Context, accountID string) (out.MailProvider, error) {
	account, err := f.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return f.ForKind(account.Provider)
}

// Default returns the adapter used when every connected account shares one
// provider kind, which is the deployment shape today.
func (f *Factory) Default() out.MailProvider {
	return f.gmail
}
