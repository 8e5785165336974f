package server

import (
	"testing"
)

func TestNewAddress(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantErr   bool
		full      string
		base      string
		detail    string
		domain    string
		adminRole bool
	}{
		{name: "plain", input: "user@example.com", full: "user@example.com", base: "user@example.com", domain: "example.com"},
		{name: "angle brackets", input: "<User@Example.COM>", full: "user@example.com", base: "user@example.com", domain: "example.com"},
		{name: "detail", input: "user+news@example.com", full: "user+news@example.com", base: "user@example.com", detail: "news", domain: "example.com"},
		{name: "postmaster", input: "postmaster@example.com", full: "postmaster@example.com", base: "postmaster@example.com", domain: "example.com", adminRole: true},
		{name: "postmaster detail", input: "postmaster+x@example.com", full: "postmaster+x@example.com", base: "postmaster@example.com", detail: "x", domain: "example.com", adminRole: true},
		{name: "empty", input: "", wantErr: true},
		{name: "null path", input: "<>", wantErr: true},
		{name: "no at", input: "user.example.com", wantErr: true},
		{name: "whitespace", input: "us er@example.com", wantErr: true},
		{name: "bad domain", input: "user@-example.com", wantErr: true},
		{name: "single label domain", input: "user@localhost", wantErr: true},
		{name: "double dot", input: "us..er@example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := NewAddress(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %+v", tt.input, addr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for %q: %v", tt.input, err)
			}
			if addr.FullAddress() != tt.full {
				t.Errorf("FullAddress() = %q, want %q", addr.FullAddress(), tt.full)
			}
			if addr.BaseAddress() != tt.base {
				t.Errorf("BaseAddress() = %q, want %q", addr.BaseAddress(), tt.base)
			}
			if addr.Detail() != tt.detail {
				t.Errorf("Detail() = %q, want %q", addr.Detail(), tt.detail)
			}
			if addr.Domain() != tt.domain {
				t.Errorf("Domain() = %q, want %q", addr.Domain(), tt.domain)
			}
			if addr.IsAdministrative() != tt.adminRole {
				t.Errorf("IsAdministrative() = %v, want %v", addr.IsAdministrative(), tt.adminRole)
			}
		})
	}
}
