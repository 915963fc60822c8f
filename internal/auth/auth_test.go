package auth

import (
	"errors"
	"testing"

	"github.com/danmuck/scenelink/internal/testutil/testlog"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCheckAuthorizationHeader(t *testing.T) {
	testlog.Start(t)
	v := StaticToken{Token: "s3cret"}
	tests := []struct {
		header  string
		wantErr error
	}{
		{"Bearer s3cret", nil},
		{"bearer   s3cret ", nil},
		{"Bearer wrong", ErrUnauthorized},
		{"Basic s3cret", ErrMissingCredentials},
		{"Bearer ", ErrMissingCredentials},
		{"", ErrMissingCredentials},
	}
	for _, tc := range tests {
		if err := Check(v, tc.header); !errors.Is(err, tc.wantErr) {
			t.Fatalf("header %q: expected %v, got %v", tc.header, tc.wantErr, err)
		}
	}
	if err := Check(nil, ""); err != nil {
		t.Fatalf("nil validator should allow, got %v", err)
	}
	calls := 0
	fv := FuncValidator(func(token string) error {
		calls++
		return nil
	})
	if err := Check(fv, "Bearer anything"); err != nil || calls != 1 {
		t.Fatalf("func validator not consulted: err=%v calls=%d", err, calls)
	}
}
