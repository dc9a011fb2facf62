package main

import "time"

type Config struct {
	ChatBackendURL  string `env:"CHAT_BACKEND_URL,required=true"`
	ChatAPIKey      string `env:"CHAT_API_KEY,required=true"`
	APIBaseURL      string `env:"API_BASE_URL"`
	SessionCookie   string `env:"SESSION_COOKIE"`
	CallBaseURL     string `env:"CALL_BASE_URL,required=true"`
	ChatTargetID    string `env:"CHAT_TARGET_ID"`
	LogLevel        string `env:"LOG_LEVEL,default=INFO"`
	CredentialCache string `env:"CREDENTIAL_CACHE_PATH"`

	CredentialRefreshLead  time.Duration `env:"CREDENTIAL_REFRESH_LEAD,default=1m"`
	CredentialRefreshRetry time.Duration `env:"CREDENTIAL_REFRESH_RETRY,default=30s"`
	ConnectTimeout         time.Duration `env:"CONNECT_TIMEOUT,default=15s"`
	ReleaseTimeout         time.Duration `env:"RELEASE_TIMEOUT,default=5s"`
	IdentityPollInterval   time.Duration `env:"IDENTITY_POLL_INTERVAL,default=30s"`

	// Local mode: no application API, the identity comes from the environment
	// and credentials are signed with a secret shared with the backend.
	LocalSigningKey string        `env:"LOCAL_SIGNING_KEY"`
	LocalUserID     string        `env:"LOCAL_USER_ID"`
	LocalUserName   string        `env:"LOCAL_USER_NAME"`
	LocalTokenTTL   time.Duration `env:"LOCAL_TOKEN_TTL,default=1h"`
}

func (c Config) localMode() bool {
	return c.LocalUserID != ""
}
