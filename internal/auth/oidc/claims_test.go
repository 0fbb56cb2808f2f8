package oidc

import "testing"

func TestClaims_EmailDomain(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"alice@Example.COM", "example.com"},
		{"weird@name@acme.test", "acme.test"},
		{"no-at-sign", ""},
		{"trailing@", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := (Claims{Email: tt.email}).EmailDomain(); got != tt.want {
			t.Errorf("EmailDomain(%q) = %q, want %q", tt.email, got, tt.want)
		}
	}
}

func TestClaims_DisplayName(t *testing.T) {
	tests := []struct {
		name   string
		claims Claims
		want   string
	}{
		{"name wins", Claims{Name: "Alice", PreferredUsername: "alice1", Email: "a@x.test"}, "Alice"},
		{"preferred username", Claims{PreferredUsername: "alice1", Email: "a@x.test"}, "alice1"},
		{"email local part", Claims{Email: "bob@x.test"}, "bob"},
		{"bare", Claims{Email: "bob"}, "bob"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.claims.DisplayName(); got != tt.want {
				t.Errorf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClaims_MergeKeepsExisting(t *testing.T) {
	c := Claims{Subject: "s1", Name: "From Token"}
	c.merge(Claims{Subject: "s2", Email: "e@x.test", Name: "From UserInfo", PreferredUsername: "pu"})
	if c.Subject != "s1" || c.Name != "From Token" {
		t.Errorf("merge overwrote populated fields: %+v", c)
	}
	if c.Email != "e@x.test" || c.PreferredUsername != "pu" {
		t.Errorf("merge did not fill empty fields: %+v", c)
	}
}
