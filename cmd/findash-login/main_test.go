package main

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name                      string
		username, email, password string
		register                  bool
		wantErr                   string
	}{
		{name: "login", username: "ada", password: "pw"},
		{name: "register", username: "ada", email: "ada@example.com", password: "pw", register: true},
		{name: "missing password", username: "ada", wantErr: "password is required"},
		{name: "register without email", username: "ada", password: "pw", register: true, wantErr: "email is required"},
		{name: "nothing", wantErr: "username is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(tt.username, tt.email, tt.password, tt.register)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
