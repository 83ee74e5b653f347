package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return New(srv.URL), srv
}

func TestClient_Login(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "dr.lee" {
			t.Errorf("expected username dr.lee, got %q", body["username"])
		}
		json.NewEncoder(w).Encode(LoginResult{
			AccessToken:  "A1",
			RefreshToken: "R1",
			User:         UserSummary{ID: "u1", Username: "dr.lee", Role: "provider"},
		})
	}))
	defer srv.Close()

	res, err := c.Login(context.Background(), "dr.lee", "secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.AccessToken != "A1" || res.RefreshToken != "R1" {
		t.Errorf("unexpected tokens: %+v", res)
	}
	if res.User.Role != "provider" {
		t.Errorf("expected role provider, got %q", res.User.Role)
	}
}

func TestClient_Login_MissingTokens(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	_, err := c.Login(context.Background(), "dr.lee", "secret")
	if !IsKind(err, KindServer) {
		t.Errorf("expected KindServer, got %v", err)
	}
}

func TestClient_Refresh(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token/refresh" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["refresh"] != "R1" {
			t.Errorf("expected refresh R1, got %q", body["refresh"])
		}
		json.NewEncoder(w).Encode(map[string]string{"access": "A2"})
	}))
	defer srv.Close()

	access, err := c.Refresh(context.Background(), "R1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if access != "A2" {
		t.Errorf("expected A2, got %q", access)
	}
}

func TestClient_Refresh_Rejected(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := c.Refresh(context.Background(), "expired")
	if !IsKind(err, KindInvalidCredential) {
		t.Errorf("expected KindInvalidCredential, got %v", err)
	}
}

func TestClient_Refresh_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // closed on purpose
	c := New(srv.URL)

	_, err := c.Refresh(context.Background(), "R1")
	if !IsKind(err, KindNetwork) {
		t.Errorf("expected KindNetwork, got %v", err)
	}
}

func TestClient_Logout_SendsBearer(t *testing.T) {
	var gotAuth string
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := c.Logout(context.Background(), "A1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer A1" {
		t.Errorf("expected bearer header, got %q", gotAuth)
	}
}

func TestClient_Permissions(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/permissions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]bool{
			"has_admin_access": true,
			"has_audit_access": false,
		})
	}))
	defer srv.Close()

	flags, err := c.Permissions(context.Background(), "A1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !flags["has_admin_access"] {
		t.Error("expected has_admin_access true")
	}
	if flags["has_audit_access"] {
		t.Error("expected has_audit_access false")
	}
}

func TestClient_Permissions_MapsFailuresToAuthorityUnavailable(t *testing.T) {
	statuses := []int{http.StatusUnauthorized, http.StatusInternalServerError, http.StatusBadGateway}
	for _, status := range statuses {
		c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		_, err := c.Permissions(context.Background(), "A1")
		srv.Close()
		if !IsKind(err, KindAuthorityUnavailable) {
			t.Errorf("status %d: expected KindAuthorityUnavailable, got %v", status, err)
		}
	}
}

func TestClient_Get(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/portal/dashboard/42" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"appointments": 3})
	}))
	defer srv.Close()

	var out map[string]any
	if err := c.Get(context.Background(), "A1", "/portal/dashboard/42", &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["appointments"].(float64) != 3 {
		t.Errorf("unexpected payload: %v", out)
	}
}
