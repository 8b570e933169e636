// Package auth verifies the administrative API key for Halcyon's admin
// endpoints.
//
// The key is configured as plaintext in the environment, hashed with
// Argon2id at startup, and only the hash is kept in memory. Verification is
// constant-time against that hash.
package auth

// AdminVerifier checks presented admin keys against the configured key's
// Argon2id hash.
type AdminVerifier struct {
	hash string
}

// NewAdminVerifier hashes the configured admin key. An empty key disables
// admin access entirely: Verify then rejects everything.
func NewAdminVerifier(adminKey string) (*AdminVerifier, error) {
	if adminKey == "" {
		return &AdminVerifier{}, nil
	}
	hash, err := HashKey(adminKey)
	if err != nil {
		return nil, err
	}
	return &AdminVerifier{hash: hash}, nil
}

// Enabled reports whether an admin key is configured.
func (v *AdminVerifier) Enabled() bool {
	return v.hash != ""
}

// Verify checks a presented key. When no admin key is configured, it burns
// the same hashing cost as a real check and rejects.
func (v *AdminVerifier) Verify(presented string) bool {
	if v.hash == "" {
		DummyVerify()
		return false
	}
	ok, err := VerifyKey(presented, v.hash)
	if err != nil {
		return false
	}
	return ok
}
