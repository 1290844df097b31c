// Package secrets stores the engine's credentials in the OS keychain:
// the IMAP password for confirmation polling and the Telegram bot token
// for digest delivery. Nothing sensitive ever lands in the config file.
package secrets

import (
	"errors"
	"fmt"
	"strings"

	"applyflow-engine/internal/config"

	"github.com/zalando/go-keyring"
)

// KeyringService groups the engine's secrets in the OS keychain.
const KeyringService = "applyflow"

// TelegramAccount is the fixed keychain account for the bot token.
const TelegramAccount = "applyflow:telegram:bot-token"

func Get(account string) (string, error) {
	if strings.TrimSpace(account) == "" {
		return "", errors.New("keyring account name is empty")
	}
	pw, err := keyring.Get(KeyringService, account)
	if err != nil {
		return "", fmt.Errorf("secret %q not found in keychain: %w", account, err)
	}
	if strings.TrimSpace(pw) == "" {
		return "", fmt.Errorf("secret %q is empty", account)
	}
	return pw, nil
}

func Set(account, value string) error {
	if strings.TrimSpace(account) == "" {
		return errors.New("keyring account name is empty")
	}
	if strings.TrimSpace(value) == "" {
		return errors.New("secret value is empty")
	}
	return keyring.Set(KeyringService, account, value)
}

func Delete(account string) error {
	if strings.TrimSpace(account) == "" {
		return errors.New("keyring account name is empty")
	}
	return keyring.Delete(KeyringService, account)
}

// IMAPAccount derives the keychain account for the configured mailbox.
func IMAPAccount(cfg config.Config) string {
	return fmt.Sprintf("applyflow:imap:%s@%s", cfg.Email.Username, cfg.Email.IMAPHost)
}
