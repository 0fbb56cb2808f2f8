package oidc

import "strings"

// Claims represents the identity claims taken from an ID token or userinfo response.
type Claims struct {
	Subject           string `json:"sub"`
	Email             string `json:"email"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Issuer            string `json:"iss"`
}

// merge fills empty fields from other.
func (c *Claims) merge(other Claims) {
	if c.Subject == "" {
		c.Subject = other.Subject
	}
	if c.Email == "" {
		c.Email = other.Email
	}
	if c.Name == "" {
		c.Name = other.Name
	}
	if c.PreferredUsername == "" {
		c.PreferredUsername = other.PreferredUsername
	}
}

// EmailDomain returns the lower-cased part after the last '@', or "".
func (c Claims) EmailDomain() string {
	i := strings.LastIndex(c.Email, "@")
	if i < 0 || i == len(c.Email)-1 {
		return ""
	}
	return strings.ToLower(c.Email[i+1:])
}

// DisplayName prefers the name claim, then preferred_username, then the email local part.
func (c Claims) DisplayName() string {
	switch {
	case c.Name != "":
		return c.Name
	case c.PreferredUsername != "":
		return c.PreferredUsername
	}
	if i := strings.Index(c.Email, "@"); i > 0 {
		return c.Email[:i]
	}
	return c.Email
}
