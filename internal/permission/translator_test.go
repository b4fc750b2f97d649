package permission

import (
	"context"
	"reflect"
	"testing"

	"docmigrate/internal/domain"
	"docmigrate/internal/repo"
)

type fakeIdentities map[string]domain.IdentityMapping

func (f fakeIdentities) GetIdentityMapping(_ context.Context, system domain.SourceSystem, principalID string) (domain.IdentityMapping, error) {
	m, ok := f[string(system)+"/"+principalID]
	if !ok {
		return domain.IdentityMapping{}, repo.ErrNotFound
	}
	return m, nil
}

func testJob(fallback domain.FallbackAction) domain.MigrationJob {
	cfg := domain.DefaultConfig()
	cfg.TargetLocation = "/t"
	cfg.PermissionFallback = fallback
	return domain.MigrationJob{ID: "job-1", OwnerUserID: "migrator", SourceSystem: domain.SourceGoogleDrive, Config: cfg}
}

func TestOwnerOnlyFallbackForUnmappedGroup(t *testing.T) {
	tr := Translator{Identities: fakeIdentities{}}
	decisions, err := tr.Translate(context.Background(), Request{
		Job:         testJob(domain.FallbackOwnerOnly),
		Item:        domain.MigrationItem{ID: "i1"},
		Permissions: []domain.SourcePermission{{PrincipalID: "eng@corp", PrincipalType: domain.PrincipalGroup, Role: "writer"}},
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("decisions %+v", decisions)
	}
	d := decisions[0]
	if d.Outcome != Skipped || d.Event() != domain.EventPermissionSkipped {
		t.Fatalf("outcome %+v", d)
	}
	want := &domain.Grant{PrincipalID: "migrator", PrincipalType: domain.PrincipalUser, Role: domain.RoleOwner}
	if !reflect.DeepEqual(d.Grant, want) {
		t.Fatalf("grant %+v", d.Grant)
	}
}

func TestOwnerOnlyGrantsOwnerOnce(t *testing.T) {
	tr := Translator{Identities: fakeIdentities{}}
	decisions, err := tr.Translate(context.Background(), Request{
		Job:  testJob(domain.FallbackOwnerOnly),
		Item: domain.MigrationItem{ID: "i1"},
		Permissions: []domain.SourcePermission{
			{PrincipalID: "a@corp", PrincipalType: domain.PrincipalUser, Role: "reader"},
			{PrincipalID: "b@corp", PrincipalType: domain.PrincipalUser, Role: "writer"},
		},
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	grants := 0
	for _, d := range decisions {
		if d.Grant != nil {
			grants++
		}
	}
	if len(decisions) != 2 || grants != 1 {
		t.Fatalf("expected one owner grant, got %+v", decisions)
	}
}

func TestRoleLookupOrder(t *testing.T) {
	ids := fakeIdentities{
		"google_drive/row@old": {SourcePrincipalID: "row@old", TargetPrincipalID: "row@new", Verified: true,
			RoleMapping: map[string]domain.TargetRole{"writer": domain.RoleViewer}},
		"google_drive/job@old":     {SourcePrincipalID: "job@old", TargetPrincipalID: "job@new", Verified: true},
		"google_drive/builtin@old": {SourcePrincipalID: "builtin@old", TargetPrincipalID: "builtin@new", Verified: true},
	}
	job := testJob(domain.FallbackReport)
	job.Config.RoleMapping = map[string]domain.TargetRole{"Writer": domain.RoleCommenter}
	tr := Translator{Identities: ids}

	cases := []struct {
		principal string
		role      string
		want      domain.TargetRole
		outcome   Outcome
	}{
		{"row@old", "writer", domain.RoleViewer, Applied},
		{"job@old", "writer", domain.RoleCommenter, Applied},
		{"builtin@old", "reader", domain.RoleViewer, Applied},
		{"builtin@old", "superuser", "", Failed},
	}
	for _, tc := range cases {
		decisions, err := tr.Translate(context.Background(), Request{
			Job:         job,
			Item:        domain.MigrationItem{ID: "i1"},
			Permissions: []domain.SourcePermission{{PrincipalID: tc.principal, PrincipalType: domain.PrincipalUser, Role: tc.role}},
		})
		if err != nil {
			t.Fatalf("%s: %v", tc.principal, err)
		}
		d := decisions[0]
		if d.Outcome != tc.outcome {
			t.Fatalf("%s/%s: outcome %s", tc.principal, tc.role, d.Outcome)
		}
		if tc.outcome == Applied && d.Grant.Role != tc.want {
			t.Fatalf("%s/%s: role %s want %s", tc.principal, tc.role, d.Grant.Role, tc.want)
		}
		if tc.outcome == Failed && d.Reason != ReasonUnknown {
			t.Fatalf("reason %q", d.Reason)
		}
	}
}

func TestBroadPrincipalsNeedVerifiedMapping(t *testing.T) {
	ids := fakeIdentities{
		"google_drive/corp.com": {SourcePrincipalID: "corp.com", SourcePrincipalType: domain.PrincipalDomain, TargetPrincipalID: "all-staff", Verified: false,
			FallbackAction: domain.FallbackSkip},
	}
	job := testJob(domain.FallbackReport)
	job.Config.RoleMapping = map[string]domain.TargetRole{"reader": domain.RoleEditor}
	decisions, err := Translator{Identities: ids}.Translate(context.Background(), Request{
		Job:  job,
		Item: domain.MigrationItem{ID: "i1"},
		Permissions: []domain.SourcePermission{
			{PrincipalID: "anyone", PrincipalType: domain.PrincipalAnyone, Role: "reader"},
			{PrincipalID: "corp.com", PrincipalType: domain.PrincipalDomain, Role: "reader"},
		},
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if decisions[0].Outcome != Failed || decisions[0].Reason != ReasonBroad || decisions[0].Grant != nil {
		t.Fatalf("anyone must not escalate: %+v", decisions[0])
	}
	if decisions[1].Outcome != Skipped || decisions[1].Fallback != domain.FallbackSkip || decisions[1].Grant != nil {
		t.Fatalf("unverified row fallback: %+v", decisions[1])
	}
}

func TestInheritedOnlyOnTopLevel(t *testing.T) {
	ids := fakeIdentities{"google_drive/u": {TargetPrincipalID: "u2", Verified: true}}
	perms := []domain.SourcePermission{
		{PrincipalID: "u", PrincipalType: domain.PrincipalUser, Role: "reader", Inherited: true},
		{PrincipalID: "u", PrincipalType: domain.PrincipalUser, Role: "writer"},
	}
	tr := Translator{Identities: ids}
	nested, err := tr.Translate(context.Background(), Request{Job: testJob(domain.FallbackReport), Item: domain.MigrationItem{ParentSourceID: "p"}, Permissions: perms})
	if err != nil || len(nested) != 1 || nested[0].Grant.Role != domain.RoleEditor {
		t.Fatalf("nested %+v err=%v", nested, err)
	}
	top, err := tr.Translate(context.Background(), Request{Job: testJob(domain.FallbackReport), Item: domain.MigrationItem{}, Permissions: perms})
	if err != nil || len(top) != 2 {
		t.Fatalf("top %+v err=%v", top, err)
	}
}

func TestTranslateIsDeterministic(t *testing.T) {
	ids := fakeIdentities{"google_drive/a": {TargetPrincipalID: "a2", Verified: true}}
	req := Request{
		Job:  testJob(domain.FallbackOwnerOnly),
		Item: domain.MigrationItem{ID: "i1"},
		Permissions: []domain.SourcePermission{
			{PrincipalID: "a", PrincipalType: domain.PrincipalUser, Role: "commenter"},
			{PrincipalID: "g", PrincipalType: domain.PrincipalGroup, Role: "writer"},
			{PrincipalID: "anyone", PrincipalType: domain.PrincipalAnyone, Role: "reader"},
		},
	}
	tr := Translator{Identities: ids}
	first, err := tr.Translate(context.Background(), req)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := tr.Translate(context.Background(), req)
		if err != nil {
			t.Fatalf("translate: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs:\n%+v\n%+v", i, first, again)
		}
		for j := range first {
			if !reflect.DeepEqual(first[j].Details(), again[j].Details()) || first[j].Event() != again[j].Event() {
				t.Fatalf("event differs for %d", j)
			}
		}
	}
}

func TestRoleVariantsResolveToLowestKey(t *testing.T) {
	// Rows written before variant keys were rejected.
	ids := fakeIdentities{"google_drive/a": {
		SourcePrincipalID: "a", TargetPrincipalID: "a2", Verified: true,
		RoleMapping: map[string]domain.TargetRole{"Writer": domain.RoleEditor, "WRITER": domain.RoleViewer},
	}}
	tr := Translator{Identities: ids}
	req := Request{
		Job:         testJob(domain.FallbackReport),
		Item:        domain.MigrationItem{ID: "i1"},
		Permissions: []domain.SourcePermission{{PrincipalID: "a", PrincipalType: domain.PrincipalUser, Role: "writer"}},
	}
	for i := 0; i < 200; i++ {
		decisions, err := tr.Translate(context.Background(), req)
		if err != nil {
			t.Fatalf("translate: %v", err)
		}
		// "WRITER" sorts before "Writer".
		if decisions[0].Grant == nil || decisions[0].Grant.Role != domain.RoleViewer {
			t.Fatalf("run %d: %+v", i, decisions[0])
		}
	}
}

func TestOwnerOnlyGrantsMigratingUserEvenWithMappingRow(t *testing.T) {
	ids := fakeIdentities{"google_drive/g": {SourcePrincipalID: "g", OwnerUserID: "importer", FallbackAction: domain.FallbackOwnerOnly}}
	tr := Translator{Identities: ids}
	decisions, err := tr.Translate(context.Background(), Request{
		Job:         testJob(domain.FallbackReport),
		Item:        domain.MigrationItem{ID: "i1"},
		Permissions: []domain.SourcePermission{{PrincipalID: "g", PrincipalType: domain.PrincipalGroup, Role: "writer"}},
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	want := &domain.Grant{PrincipalID: "migrator", PrincipalType: domain.PrincipalUser, Role: domain.RoleOwner}
	if len(decisions) != 1 || decisions[0].Fallback != domain.FallbackOwnerOnly || !reflect.DeepEqual(decisions[0].Grant, want) {
		t.Fatalf("decisions %+v", decisions)
	}
}
