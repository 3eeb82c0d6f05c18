package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/odpf/salt/log"

	"github.com/odpf/kleidi/core/keybot"
	"github.com/odpf/kleidi/internal/errors"
	"github.com/odpf/kleidi/internal/vault"
)

type CredentialsRepository interface {
	// GetByService returns a not found error when the service has no credentials yet
	GetByService(ctx context.Context, serviceID string) (*keybot.Credentials, error)
	// Save inserts or replaces the credentials of a service
	Save(ctx context.Context, creds *keybot.Credentials) error
}

type CredentialVault interface {
	EncryptCredentials(plain *keybot.Credentials) (*keybot.Credentials, error)
	DecryptCredentials(sealed *keybot.Credentials) (*keybot.Credentials, []string)
	Digest(ciphertext *string) string
}

type CredentialService struct {
	l     log.Logger
	repo  CredentialsRepository
	vault CredentialVault
}

// Update encrypts the fields set in the input and stores them over the
// existing credentials. A field set to an empty string is cleared.
func (s CredentialService) Update(ctx context.Context, serviceID string, in *keybot.Credentials) error {
	if in == nil {
		return errors.InvalidArgument(keybot.EntityCredentials, "credentials are not valid")
	}

	stored, err := s.repo.GetByService(ctx, serviceID)
	if err != nil {
		if !errors.IsErrorType(err, errors.ErrNotFound) {
			return err
		}
		stored = &keybot.Credentials{ID: uuid.NewString(), ServiceID: serviceID}
	}

	sealed, err := s.vault.EncryptCredentials(in)
	if err != nil {
		return err
	}
	stored.Merge(sealed)
	for _, name := range keybot.SensitiveFields {
		if v := *in.Field(name); v != nil && *v == "" {
			*stored.Field(name) = nil
		}
	}

	return s.repo.Save(ctx, stored)
}

// Unlock returns the decrypted credentials of a service, ready to deploy
func (s CredentialService) Unlock(ctx context.Context, serviceID string) (*keybot.Credentials, error) {
	stored, err := s.repo.GetByService(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	plain, corrupted := s.vault.DecryptCredentials(stored)
	if len(corrupted) > 0 {
		s.l.Warn("stored credentials could not be decrypted", "service_id", serviceID, "fields", corrupted)
	}
	if err := plain.Validate(); err != nil {
		return nil, err
	}
	return plain, nil
}

func (s CredentialService) Info(ctx context.Context, serviceID string) (*keybot.CredentialsInfo, error) {
	stored, err := s.repo.GetByService(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	info := &keybot.CredentialsInfo{
		ID:         stored.ID,
		ServiceID:  stored.ServiceID,
		Production: stored.Production,
		Digests:    map[string]string{},
		Missing:    stored.Missing(),
	}
	for _, name := range keybot.SensitiveFields {
		if v := *stored.Field(name); v != nil {
			info.Digests[name] = s.vault.Digest(v)
		}
	}
	return info, nil
}

func NewCredentialService(l log.Logger, repo CredentialsRepository, v *vault.Vault) *CredentialService {
	return &CredentialService{
		l:     l,
		repo:  repo,
		vault: v,
	}
}
