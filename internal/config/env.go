package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment keys read by ApplyEnv.
const (
	EnvUserID    = "MEDCHAT_USER_ID"
	EnvToken     = "MEDCHAT_TOKEN"
	EnvSocketURL = "MEDCHAT_SOCKET_URL"
	EnvAPIURL    = "MEDCHAT_API_URL"
)

// Credentials are the secrets kept out of config.toml.
type Credentials struct {
	UserID int64
	Token  string
}

// Complete reports whether both a user id and a token are present.
func (c Credentials) Complete() bool {
	return c.UserID > 0 && c.Token != ""
}

// ApplyEnv overlays values from the session's .env file and the process
// environment onto cfg. The process environment wins over the file, and a
// missing file is not an error.
func ApplyEnv(cfg *Config, envFile string) (Credentials, error) {
	fileVals := map[string]string{}
	if envFile != "" {
		vals, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			fileVals = vals
		case !errors.Is(err, fs.ErrNotExist):
			return Credentials{}, fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	get := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return fileVals[key]
	}

	if v := get(EnvSocketURL); v != "" {
		cfg.Server.SocketURL = v
	}
	if v := get(EnvAPIURL); v != "" {
		cfg.Server.APIURL = v
	}

	var creds Credentials
	if v := get(EnvUserID); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return Credentials{}, fmt.Errorf("%s: %q is not a user id", EnvUserID, v)
		}
		creds.UserID = id
	}
	creds.Token = get(EnvToken)
	return creds, cfg.Validate()
}

// SaveCredentials writes credentials to an .env file readable only by the owner.
func SaveCredentials(envFile string, creds Credentials) error {
	content, err := godotenv.Marshal(map[string]string{
		EnvUserID: strconv.FormatInt(creds.UserID, 10),
		EnvToken:  creds.Token,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(envFile, []byte(content+"\n"), 0600)
}
