package ingest

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolveToken returns the bearer token for the HTTP surface: the
// KAITD_TOKEN environment variable wins, then the token file. When
// neither exists a fresh random token is generated and written to the
// file with 0600 permissions.
func ResolveToken(tokenFile string) (string, error) {
	if tok := strings.TrimSpace(os.Getenv("KAITD_TOKEN")); tok != "" {
		return tok, nil
	}

	data, err := os.ReadFile(tokenFile)
	if err == nil {
		tok := strings.TrimSpace(string(data))
		if tok != "" {
			return tok, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading token file %s: %w", tokenFile, err)
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	tok := hex.EncodeToString(buf)

	if err := os.MkdirAll(filepath.Dir(tokenFile), 0750); err != nil {
		return "", fmt.Errorf("creating token directory: %w", err)
	}
	if err := os.WriteFile(tokenFile, []byte(tok+"\n"), 0600); err != nil {
		return "", fmt.Errorf("writing token file %s: %w", tokenFile, err)
	}
	return tok, nil
}
