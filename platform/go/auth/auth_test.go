package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultCredentialExtractor(t *testing.T) {
	creds, err := DefaultCredentialExtractor(map[string]interface{}{
		"uid":            "user-123",
		"email":          "user@example.com",
		"plan":           "pro",
		"isAdmin":        true,
		"email_verified": true,
	})
	require.NoError(t, err)
	require.Equal(t, "user-123", creds.Id)
	require.Equal(t, "user@example.com", creds.Email)
	require.True(t, creds.IsAdmin)
	require.True(t, creds.EmailVerified)
	require.NotNil(t, creds.Plan)
	require.Equal(t, "pro", *creds.Plan)
}

func TestDefaultCredentialExtractorFallbackIDs(t *testing.T) {
	testCases := []struct {
		name   string
		claims map[string]interface{}
		want   string
	}{
		{
			name:   "uid wins",
			claims: map[string]interface{}{"uid": "u1", "sub": "s1"},
			want:   "u1",
		},
		{
			name:   "user_id next",
			claims: map[string]interface{}{"user_id": "u2", "sub": "s2"},
			want:   "u2",
		},
		{
			name:   "sub last",
			claims: map[string]interface{}{"sub": "s3"},
			want:   "s3",
		},
		{
			name:   "nothing usable",
			claims: map[string]interface{}{},
			want:   "unknown-user",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			creds, err := DefaultCredentialExtractor(tc.claims)
			require.NoError(t, err)
			require.Equal(t, tc.want, creds.Id)
		})
	}
}

func TestDefaultCredentialExtractorNilClaims(t *testing.T) {
	_, err := DefaultCredentialExtractor(nil)
	require.Error(t, err)
}
