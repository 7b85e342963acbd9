package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	loginToken      string
	loginKey        string
	loginUserId     string
	loginUserEmail  string
	loginDomain     string
	loginMqttDomain string
)

// loginCmd persists an already-obtained Meross cloud session (token, key,
// domain) to disk for devices/send/shell/serve to reuse. The OAuth-like
// handshake that produces these values is out of scope, same as
// httpapi.Client's doc comment: callers hand in an authenticated session.
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store a Meross cloud session for subsequent commands",
	Long:  `Store an already-obtained token/key/domain as the active session. The login handshake itself is not performed by this tool.`,
	RunE:  loginRun,
}

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "cloud API bearer token (required)")
	loginCmd.Flags().StringVar(&loginKey, "key", "", "MD5 signing key (required)")
	loginCmd.Flags().StringVar(&loginUserId, "user-id", "", "cloud account user id")
	loginCmd.Flags().StringVar(&loginUserEmail, "user-email", "", "cloud account email")
	loginCmd.Flags().StringVar(&loginDomain, "domain", "", "cloud API domain, overrides --config base_url")
	loginCmd.Flags().StringVar(&loginMqttDomain, "mqtt-domain", "", "default MQTT broker domain")
	loginCmd.MarkFlagRequired("token")
	loginCmd.MarkFlagRequired("key")
}

func loginRun(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	baseURL := cfg.BaseURL
	if loginDomain != "" {
		baseURL = loginDomain
	}

	s := session{
		BaseURL:    baseURL,
		Token:      loginToken,
		Key:        loginKey,
		UserId:     loginUserId,
		UserEmail:  loginUserEmail,
		Domain:     loginDomain,
		MqttDomain: loginMqttDomain,
		IssuedOn:   time.Now(),
	}
	if err := saveSession(sessFile, s); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	fmt.Fprintf(cmdOutput, "session saved to %s\n", sessFile)
	return nil
}
