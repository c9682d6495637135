package upload

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"auth error", &AuthError{Message: "token rejected"}, true},
		{"wrapped auth error", fmt.Errorf("upload: %w", &AuthError{Message: "nope"}), true},
		{"status 400", &StatusError{Code: 400}, true},
		{"status 401", &StatusError{Code: 401}, true},
		{"status 404", &StatusError{Code: 404}, true},
		{"status 429 is retryable", &StatusError{Code: 429}, false},
		{"status 500", &StatusError{Code: 500}, false},
		{"status 503", &StatusError{Code: 503}, false},
		{"connection error", &ConnectionError{Message: "dial"}, false},
		{"timeout error", &TimeoutError{Operation: "upload"}, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")

	tests := []struct {
		name string
		err  error
	}{
		{"connection", &ConnectionError{Message: "dial", Err: inner}},
		{"auth", &AuthError{Message: "denied", Err: inner}},
		{"timeout", &TimeoutError{Operation: "upload", Err: inner}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, inner) {
				t.Errorf("errors.Is(%v, inner) = false, want true", tt.err)
			}
		})
	}
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"default is http", Config{URL: "https://upload.example.org/api"}, false},
		{"explicit http", Config{Backend: "http", URL: "https://upload.example.org/api"}, false},
		{"http missing url", Config{Backend: "http"}, true},
		{"sftp", Config{Backend: "sftp", Host: "h", Username: "u", Password: "p"}, false},
		{"sftp missing host", Config{Backend: "sftp", Username: "u", Password: "p"}, true},
		{"unknown backend", Config{Backend: "carrier-pigeon"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.config)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if client == nil {
				t.Fatal("expected client, got nil")
			}
		})
	}
}
