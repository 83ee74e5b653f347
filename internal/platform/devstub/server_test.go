package devstub

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/portal-client/internal/authz"
	"github.com/ehr/portal-client/internal/platform/apiclient"
	"github.com/ehr/portal-client/internal/platform/fetch"
)

func newStub(t *testing.T, opts ...ServerOption) (*Server, *apiclient.Client) {
	t.Helper()
	stub := NewServer(opts...)
	srv := httptest.NewServer(stub.Handler())
	t.Cleanup(srv.Close)
	return stub, apiclient.New(srv.URL)
}

func TestStub_LoginRejectsBadPassword(t *testing.T) {
	_, api := newStub(t)

	_, err := api.Login(context.Background(), "dr.lee", "wrong")
	if !apiclient.IsKind(err, apiclient.KindInvalidCredential) {
		t.Errorf("expected KindInvalidCredential, got %v", err)
	}
}

func TestStub_LoginRefreshLogoutCycle(t *testing.T) {
	stub, api := newStub(t)
	ctx := context.Background()

	res, err := api.Login(ctx, "dr.lee", "provider-pass")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.User.Role != "provider" {
		t.Errorf("expected provider role, got %q", res.User.Role)
	}

	access, err := api.Refresh(ctx, res.RefreshToken)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var dashboard map[string]any
	if err := api.Get(ctx, access, "/portal/dashboard/42", &dashboard); err != nil {
		t.Fatalf("refreshed token rejected: %v", err)
	}

	// Logout revokes the refresh token server-side.
	if err := api.Logout(ctx, access); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := api.Refresh(ctx, res.RefreshToken); !apiclient.IsKind(err, apiclient.KindInvalidCredential) {
		t.Errorf("expected revoked refresh token to be rejected, got %v", err)
	}
	if stub.Calls("refresh") != 2 {
		t.Errorf("expected 2 refresh calls, got %d", stub.Calls("refresh"))
	}
}

func TestStub_RejectRefreshSwitch(t *testing.T) {
	stub, api := newStub(t)
	ctx := context.Background()

	res, err := api.Login(ctx, "pat.doe", "patient-pass")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stub.SetRejectRefresh(true)
	if _, err := api.Refresh(ctx, res.RefreshToken); !apiclient.IsKind(err, apiclient.KindInvalidCredential) {
		t.Errorf("expected rejection, got %v", err)
	}

	stub.SetRejectRefresh(false)
	if _, err := api.Refresh(ctx, res.RefreshToken); err != nil {
		t.Errorf("unexpected error after clearing fault: %v", err)
	}
}

func TestStub_PermissionsAndAuthorityOutage(t *testing.T) {
	stub, api := newStub(t)
	ctx := context.Background()

	res, err := api.Login(ctx, "admin", "admin-pass")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resolver := authz.NewResolver(api, zerolog.Nop())
	set := resolver.Resolve(ctx, res.AccessToken, res.User)
	if !set.Allows(authz.CapAdminAccess) || !set.Allows(authz.CapUserManagement) {
		t.Errorf("expected admin capabilities, got %+v", set)
	}

	// Authority outage: same role keeps its role-table capabilities.
	stub.SetAuthorityDown(true)
	fallback := resolver.Resolve(ctx, res.AccessToken, res.User)
	if !fallback.Allows(authz.CapAdminAccess) {
		t.Error("authority outage must not lock out an admin")
	}
	if fallback.Allows(authz.CapSystemSettings) {
		t.Error("fallback must not grant beyond the role table")
	}
}

func TestStub_DashboardSingleFlight(t *testing.T) {
	stub, api := newStub(t)
	ctx := context.Background()

	res, err := api.Login(ctx, "dr.lee", "provider-pass")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	g := fetch.NewGroup[map[string]any](zerolog.Nop())
	release := make(chan struct{})
	producer := func(ctx context.Context) (map[string]any, error) {
		var out map[string]any
		if err := api.Get(ctx, res.AccessToken, "/portal/dashboard/42", &out); err != nil {
			return nil, err
		}
		<-release // hold the flight open until all callers joined
		return out, nil
	}

	const n = 5
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := g.Do(ctx, "dashboard:42", producer)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if out["patient_id"] != "42" {
				t.Errorf("unexpected payload: %v", out)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if stub.Calls("dashboard") != 1 {
		t.Errorf("expected exactly 1 dashboard call for %d concurrent callers, got %d", n, stub.Calls("dashboard"))
	}
}
