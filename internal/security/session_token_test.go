package security

import (
	"testing"
)

func TestGenerateSessionToken_UniqueAndHex(t *testing.T) {
	a, err := GenerateSessionToken()
	if err != nil {
		t.Fatalf("GenerateSessionToken: %v", err)
	}
	b, err := GenerateSessionToken()
	if err != nil {
		t.Fatalf("GenerateSessionToken: %v", err)
	}
	if a == b {
		t.Error("two generated tokens are equal")
	}
	if len(a) != 2*sessionTokenBytes {
		t.Errorf("token length = %d, want %d", len(a), 2*sessionTokenBytes)
	}
}

func TestHashSessionToken_Consistent(t *testing.T) {
	token := "test-session-token-123"
	hash1 := HashSessionToken(token)
	hash2 := HashSessionToken(token)

	if hash1 != hash2 {
		t.Errorf("HashSessionToken not consistent: hash1 = %q, hash2 = %q", hash1, hash2)
	}
	if len(hash1) != 64 {
		t.Errorf("hash length = %d, want 64 (SHA-256 hex)", len(hash1))
	}
	if hash1 == token {
		t.Error("hash must not equal the raw token")
	}
}

func TestSessionTokenHashEqual(t *testing.T) {
	token := "correct-token"
	stored := HashSessionToken(token)

	tests := []struct {
		name   string
		token  string
		stored string
		want   bool
	}{
		{"match", token, stored, true},
		{"wrong token", "wrong-token", stored, false},
		{"tampered token", token + "x", stored, false},
		{"longer hash", token, "a" + stored, false},
		{"same length different content", token, "a" + stored[1:], stored[0] == 'a'},
		{"empty token", "", stored, false},
		{"empty hash", token, "", false},
		{"both empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SessionTokenHashEqual(tt.token, tt.stored); got != tt.want {
				t.Errorf("SessionTokenHashEqual(%q) = %v, want %v", tt.token, got, tt.want)
			}
		})
	}
}
