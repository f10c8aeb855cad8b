package auth_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/delegate-broker/internal/adapter/auth"
)

func TestVerifier(t *testing.T) {
	v := auth.NewVerifier([]byte("s3cret"), "broker")

	valid, err := v.Issue("acct", time.Hour)
	require.NoError(t, err)
	forever, err := v.Issue("acct", 0)
	require.NoError(t, err)
	foreign, err := auth.NewVerifier([]byte("other"), "broker").Issue("acct", time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := auth.NewVerifier([]byte("s3cret"), "elsewhere").Issue("acct", time.Hour)
	require.NoError(t, err)
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "acct", Issuer: "broker"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: "broker"}).
		SignedString([]byte("s3cret"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		want    string
		wantErr error
	}{
		{name: "valid", token: valid, want: "acct"},
		{name: "no expiry", token: forever, want: "acct"},
		{name: "other secret", token: foreign, wantErr: auth.ErrInvalidToken},
		{name: "other issuer", token: wrongIssuer, wantErr: auth.ErrInvalidToken},
		{name: "unsigned", token: noneAlg, wantErr: auth.ErrInvalidToken},
		{name: "no subject", token: noSubject, wantErr: auth.ErrInvalidToken},
		{name: "garbage", token: "not-a-jwt", wantErr: auth.ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Verify(tt.token)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerifier_Expired(t *testing.T) {
	secret := []byte("s3cret")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "acct",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString(secret)
	require.NoError(t, err)

	_, err = auth.NewVerifier(secret, "").Verify(token)
	assert.ErrorIs(t, err, auth.ErrExpiredToken)
}

func TestIssue_RequiresAccount(t *testing.T) {
	_, err := auth.NewVerifier([]byte("s3cret"), "").Issue("", time.Hour)
	assert.Error(t, err)
}
