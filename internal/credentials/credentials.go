// Package credentials hands connectors a decrypted, currently valid
// credential for a job. Encryption at rest belongs to the Decrypter.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docmigrate/internal/connector"
	"docmigrate/internal/domain"
	"docmigrate/internal/repo"
)

// SchemePlain stores the secret as-is. Intended for local setups where the
// workspace itself is protected.
const SchemePlain = "plain"

type Decrypter interface {
	Decrypt(ctx context.Context, c domain.MigrationCredentials) ([]byte, error)
}

type plain struct{}

func (plain) Decrypt(_ context.Context, c domain.MigrationCredentials) ([]byte, error) {
	return c.Ciphertext, nil
}

// Plain returns the passthrough decrypter.
func Plain() Decrypter { return plain{} }

type Store interface {
	GetCredentials(ctx context.Context, jobID string) (domain.MigrationCredentials, error)
}

type Source struct {
	Store Store
	// Decrypters by scheme. SchemePlain is always available.
	Decrypters map[string]Decrypter
	Now        func() time.Time
}

func (s Source) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Resolve returns the credential of job. Every failure carries
// credentials_invalid.
func (s Source) Resolve(ctx context.Context, job domain.MigrationJob) (connector.Credential, error) {
	row, err := s.Store.GetCredentials(ctx, job.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return connector.Credential{}, domain.Errorf(domain.CodeCredentials, "no credentials stored for job %s", job.ID)
	}
	if err != nil {
		return connector.Credential{}, fmt.Errorf("load credentials: %w", err)
	}
	if !row.IsValid {
		return connector.Credential{}, domain.Errorf(domain.CodeCredentials, "credentials for job %s were invalidated", job.ID)
	}
	if row.ExpiresAt != nil && !row.ExpiresAt.After(s.now()) {
		return connector.Credential{}, domain.Errorf(domain.CodeCredentials, "credentials for job %s expired at %s", job.ID, row.ExpiresAt.Format(time.RFC3339))
	}
	dec := s.Decrypters[row.Scheme]
	if dec == nil && (row.Scheme == SchemePlain || row.Scheme == "") {
		dec = plain{}
	}
	if dec == nil {
		return connector.Credential{}, domain.Errorf(domain.CodeCredentials, "no decrypter for scheme %q", row.Scheme)
	}
	secret, err := dec.Decrypt(ctx, row)
	if err != nil {
		return connector.Credential{}, domain.WrapError(domain.CodeCredentials, err)
	}
	return connector.Credential{Scheme: row.Scheme, Secret: secret, Scopes: row.Scopes}, nil
}
