package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractTenantID(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		jwt    string
		want   string
	}{
		{"jwt claim wins", "/?tenant_id=q", "hdr", "jwt_tenant", "jwt_tenant"},
		{"header", "/?tenant_id=q", "clinic_abc", "", "clinic_abc"},
		{"query", "/?tenant_id=clinic_xyz", "", "", "clinic_xyz"},
		{"default", "/", "", "", "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			if tt.jwt != "" {
				c.Set("jwt_tenant_id", tt.jwt)
			}
			if got := extractTenantID(c, "default"); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestSchemaFor(t *testing.T) {
	schema, err := SchemaFor("north_clinic")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if schema != "tenant_north_clinic" {
		t.Errorf("expected tenant_north_clinic, got %s", schema)
	}
	for _, bad := range []string{"", "a;DROP TABLE x", "has-dash", "sp ace"} {
		if _, err := SchemaFor(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestTenantFromContext(t *testing.T) {
	ctx := WithTenant(context.Background(), "acme")
	if TenantFromContext(ctx) != "acme" {
		t.Errorf("expected acme, got %s", TenantFromContext(ctx))
	}
	if TenantFromContext(context.Background()) != "" {
		t.Error("expected empty tenant")
	}
	if ConnFromContext(context.Background()) != nil {
		t.Error("expected nil conn")
	}
}
