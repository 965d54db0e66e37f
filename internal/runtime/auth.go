package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mbrt/gmailctl/cmd/gmailctl/localcred"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	gc "github.com/joshsymonds/mailsweep/internal/gmail"
)

// CredentialSource selects how the Gmail service is authorized.
type CredentialSource string

const (
	// SourceOAuth uses client_secret.json and a cached token.json in the
	// config dir, authorized for gmail.modify.
	SourceOAuth CredentialSource = "oauth"
	// SourceGmailctl reuses gmailctl's credentials. Its token carries
	// whatever scopes gmailctl was initialized with.
	SourceGmailctl CredentialSource = "gmailctl"
)

const (
	clientSecretFile = "client_secret.json"
	tokenFile        = "token.json"
)

// ErrNotAuthorized means no cached token exists yet.
var ErrNotAuthorized = errors.New("not authorized: run `mailsweep auth` first")

// ParseCredentialSource validates a source name.
func ParseCredentialSource(s string) (CredentialSource, error) {
	switch src := CredentialSource(strings.ToLower(strings.TrimSpace(s))); src {
	case SourceOAuth, SourceGmailctl:
		return src, nil
	}
	return "", fmt.Errorf("unknown credential source %q (want oauth or gmailctl)", s)
}

// NewGmailClient builds a gc.Client from the chosen credential source.
func NewGmailClient(ctx context.Context, source CredentialSource, cfgDir string) (gc.Client, error) {
	var (
		svc *gmail.Service
		err error
	)
	switch source {
	case SourceGmailctl:
		svc, err = (localcred.Provider{}).Service(ctx, cfgDir)
	case SourceOAuth:
		svc, err = oauthService(ctx, cfgDir)
	default:
		return nil, fmt.Errorf("unknown credential source %q", source)
	}
	if err != nil {
		return nil, err
	}
	return NewGoogleAPIClient(svc), nil
}

// ClientCache builds the client on first successful use and reuses it.
// Failures are not cached so authorizing later takes effect without a restart.
type ClientCache struct {
	Source CredentialSource
	Dir    string

	mu     sync.Mutex
	client gc.Client
}

// Get returns the cached client, building it if needed.
func (c *ClientCache) Get(ctx context.Context) (gc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := NewGmailClient(ctx, c.Source, c.Dir)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

func oauthConfig(cfgDir string) (*oauth2.Config, error) {
	credPath := filepath.Join(cfgDir, clientSecretFile)
	b, err := os.ReadFile(credPath) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("read credentials at %s: %w", credPath, err)
	}
	cfg, err := google.ConfigFromJSON(b, gmail.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("parse oauth config: %w", err)
	}
	return cfg, nil
}

func oauthService(ctx context.Context, cfgDir string) (*gmail.Service, error) {
	cfg, err := oauthConfig(cfgDir)
	if err != nil {
		return nil, err
	}
	tok, err := readToken(filepath.Join(cfgDir, tokenFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotAuthorized
	}
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(cfg.Client(context.WithoutCancel(ctx), tok)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

// Authorize runs the browser consent flow and caches the token in cfgDir.
// A loopback listener captures the redirect; the URL to open is written to out.
func Authorize(ctx context.Context, cfgDir string, out io.Writer) error {
	cfg, err := oauthConfig(cfgDir)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen on loopback: %w", err)
	}
	cfg.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d/", ln.Addr().(*net.TCPAddr).Port)

	codes := make(chan string, 1)
	srv := &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			code := r.URL.Query().Get("code")
			if code == "" {
				http.Error(w, "missing code parameter", http.StatusBadRequest)
				return
			}
			_, _ = io.WriteString(w, "Authorization complete. You can close this window.\n")
			select {
			case codes <- code:
			default:
			}
		}),
	}
	go func() { _ = srv.Serve(ln) }()
	defer func() { _ = srv.Shutdown(context.WithoutCancel(ctx)) }()

	authURL := cfg.AuthCodeURL("mailsweep", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	if _, err := fmt.Fprintf(out, "Open this URL to authorize mailsweep:\n\n  %s\n\n", authURL); err != nil {
		return fmt.Errorf("write auth url: %w", err)
	}

	var code string
	select {
	case <-ctx.Done():
		return ctx.Err()
	case code = <-codes:
	}
	tok, err := cfg.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return fmt.Errorf("token exchange: %w", err)
	}
	return saveToken(filepath.Join(cfgDir, tokenFile), tok)
}

func readToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var tok oauth2.Token
	if err := json.NewDecoder(f).Decode(&tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return fmt.Errorf("create token file: %w", err)
	}
	if err := json.NewEncoder(f).Encode(tok); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode token: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close token file: %w", err)
	}
	return os.Rename(tmp, path)
}

// DefaultLogger returns a text logger on stderr at the given level
// (debug, info, warn, error). Unknown levels fall back to info.
func DefaultLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
