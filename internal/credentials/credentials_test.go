package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"docmigrate/internal/domain"
	"docmigrate/internal/repo"
)

type memStore map[string]domain.MigrationCredentials

func (m memStore) GetCredentials(_ context.Context, jobID string) (domain.MigrationCredentials, error) {
	c, ok := m[jobID]
	if !ok {
		return c, repo.ErrNotFound
	}
	return c, nil
}

type failing struct{}

func (failing) Decrypt(context.Context, domain.MigrationCredentials) ([]byte, error) {
	return nil, errors.New("bad key")
}

func TestResolve(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	src := Source{
		Store: memStore{
			"ok":      {JobID: "ok", Scheme: SchemePlain, Ciphertext: []byte("tok"), IsValid: true, ExpiresAt: &future, Scopes: []string{"read"}},
			"revoked": {JobID: "revoked", Scheme: SchemePlain, IsValid: false},
			"expired": {JobID: "expired", Scheme: SchemePlain, IsValid: true, ExpiresAt: &past},
			"kms":     {JobID: "kms", Scheme: "kms", IsValid: true},
			"unknown": {JobID: "unknown", Scheme: "vault", IsValid: true},
		},
		Decrypters: map[string]Decrypter{"kms": failing{}},
		Now:        func() time.Time { return now },
	}
	cred, err := src.Resolve(context.Background(), domain.MigrationJob{ID: "ok"})
	if err != nil || string(cred.Secret) != "tok" || len(cred.Scopes) != 1 {
		t.Fatalf("cred %+v err=%v", cred, err)
	}
	for _, id := range []string{"missing", "revoked", "expired", "kms", "unknown"} {
		_, err := src.Resolve(context.Background(), domain.MigrationJob{ID: id})
		if domain.CodeOf(err) != domain.CodeCredentials {
			t.Fatalf("%s: expected credentials_invalid, got %v", id, err)
		}
	}
}
