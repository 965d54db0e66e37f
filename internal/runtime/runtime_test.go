package runtime

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	gc "github.com/joshsymonds/mailsweep/internal/gmail"
)

func TestClassifyCreate(t *testing.T) {
	conflict := &googleapi.Error{Code: http.StatusConflict, Message: "Label name exists or conflicts"}
	require.ErrorIs(t, classifyCreate(conflict), gc.ErrLabelExists)

	other := &googleapi.Error{Code: http.StatusInternalServerError, Message: "backend error"}
	require.NotErrorIs(t, classifyCreate(other), gc.ErrLabelExists)
}

func TestClassifyDelete(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusNotFound, gc.ErrLabelNotFound},
		{http.StatusBadRequest, gc.ErrSystemLabel},
		{http.StatusForbidden, gc.ErrSystemLabel},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			err := classifyDelete(fmt.Errorf("wrapped: %w", &googleapi.Error{Code: tt.code}))
			require.ErrorIs(t, err, tt.want)
		})
	}
	plain := errors.New("network down")
	require.Equal(t, plain, classifyDelete(plain))
}

func TestStatusCode(t *testing.T) {
	require.Equal(t, 429, StatusCode(fmt.Errorf("x: %w", &googleapi.Error{Code: 429})))
	require.Zero(t, StatusCode(errors.New("plain")))
}

func TestParseCredentialSource(t *testing.T) {
	src, err := ParseCredentialSource(" OAuth ")
	require.NoError(t, err)
	require.Equal(t, SourceOAuth, src)

	_, err = ParseCredentialSource("imap")
	require.Error(t, err)
}

func TestTokenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", tokenFile)
	tok := &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}

	require.NoError(t, saveToken(path, tok))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := readToken(path)
	require.NoError(t, err)
	require.Equal(t, "r", got.RefreshToken)
	require.True(t, got.Expiry.Equal(tok.Expiry))
}

func TestOAuthServiceWithoutToken(t *testing.T) {
	dir := t.TempDir()
	secret := `{"installed":{"client_id":"id","client_secret":"s","auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token","redirect_uris":["http://localhost"]}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, clientSecretFile), []byte(secret), 0o600))

	_, err := NewGmailClient(t.Context(), SourceOAuth, dir)
	require.ErrorIs(t, err, ErrNotAuthorized)
}

func TestDefaultLoggerLevel(t *testing.T) {
	require.True(t, DefaultLogger("debug").Enabled(t.Context(), -4))
	require.False(t, DefaultLogger("bogus").Enabled(t.Context(), -4))
}
