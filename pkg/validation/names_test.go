package validation

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "gx102", false},
		{"with dash", "gx102-a", false},
		{"with dot and underscore", "sku_3080.ti", false},
		{"max length", "a123456789012345678901234567890123456789012345678901234567890123", false},

		{"empty", "", true},
		{"upper case", "GX102", true},
		{"path traversal", "../etc", true},
		{"slash", "fs/other", true},
		{"newline", "gx\n102", true},
		{"starts with dot", ".gx", true},
		{"too long", "a1234567890123456789012345678901234567890123456789012345678901234", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeName(t *testing.T) {
	got, err := SanitizeName("  GX102 ")
	if err != nil || got != "gx102" {
		t.Errorf("SanitizeName() = %q, %v; want gx102", got, err)
	}
	if _, err := SanitizeName("gx 102"); err == nil {
		t.Error("SanitizeName() accepted an embedded space")
	}
}

func TestValidateSessionID(t *testing.T) {
	id := uuid.NewString()
	if err := ValidateSessionID(id); err != nil {
		t.Errorf("ValidateSessionID(%q) = %v", id, err)
	}
	for _, bad := range []string{"", "abc", "{" + id + "}", "urn:uuid:" + id} {
		if err := ValidateSessionID(bad); err == nil {
			t.Errorf("ValidateSessionID(%q) accepted", bad)
		}
	}
}

func TestRegister(t *testing.T) {
	v := validator.New()
	if err := Register(v); err != nil {
		t.Fatalf("Register() = %v", err)
	}
	type input struct {
		Chip    string `validate:"fsname"`
		Session string `validate:"omitempty,sessionid"`
	}
	if err := v.Struct(input{Chip: "gx102"}); err != nil {
		t.Errorf("valid struct rejected: %v", err)
	}
	if err := v.Struct(input{Chip: "GX/102"}); err == nil {
		t.Error("bad chip accepted")
	}
	if err := v.Struct(input{Chip: "gx102", Session: "nope"}); err == nil {
		t.Error("bad session accepted")
	}
}
