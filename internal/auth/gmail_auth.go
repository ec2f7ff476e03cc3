package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
)

// ErrNoGmailToken means the OAuth consent flow has not been run yet.
var ErrNoGmailToken = errors.New("gmail token missing; run with -gmail-auth first")

func gmailConfig(credentialsPath string) (*oauth2.Config, error) {
	// The app's OAuth client id
	b, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read gmail credentials: %w", err)
	}
	// Read-only access is enough for the watcher
	config, err := google.ConfigFromJSON(b, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse gmail credentials: %w", err)
	}
	return config, nil
}

// GmailClient returns an HTTP client authorized with the stored user token.
// The server never prompts; a missing token is ErrNoGmailToken.
func GmailClient(ctx context.Context, credentialsPath, tokenPath string) (*http.Client, error) {
	config, err := gmailConfig(credentialsPath)
	if err != nil {
		return nil, err
	}
	tok, err := tokenFromFile(tokenPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoGmailToken
	}
	if err != nil {
		return nil, fmt.Errorf("read gmail token: %w", err)
	}
	return config.Client(ctx, tok), nil
}

// AuthorizeGmail runs the one-time consent flow on the terminal and stores
// the resulting token at tokenPath.
func AuthorizeGmail(ctx context.Context, credentialsPath, tokenPath string, in io.Reader, out io.Writer) error {
	config, err := gmailConfig(credentialsPath)
	if err != nil {
		return err
	}
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Fprintf(out, "\n---------------------------------------------------------\n")
	fmt.Fprintf(out, "OPEN THIS LINK TO AUTHORIZE GMAIL ACCESS:\n%v\n", authURL)
	fmt.Fprintf(out, "---------------------------------------------------------\n")
	fmt.Fprintf(out, "Paste the code here: ")

	var authCode string
	if _, err := fmt.Fscan(in, &authCode); err != nil {
		return fmt.Errorf("read authorization code: %w", err)
	}
	tok, err := config.Exchange(ctx, authCode)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}
	fmt.Fprintf(out, "Saving credential file to: %s\n", tokenPath)
	return saveToken(tokenPath, tok)
}

// Retrieves a token from a local file.
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// Saves a token to a file path.
func saveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("cache oauth token: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}
