package keybot

import (
	"strconv"

	"github.com/odpf/kleidi/internal/errors"
)

const (
	FieldSessionSecret = "sessionSecret"
	FieldMongoURL      = "mongoUrl"
	FieldDiscordToken  = "discordToken"
	FieldEncryptionKey = "encryptionKey"
)

// SensitiveFields are always stored encrypted
var SensitiveFields = []string{FieldSessionSecret, FieldMongoURL, FieldDiscordToken, FieldEncryptionKey}

// Credentials of a service as persisted, sensitive values hold ciphertext
type Credentials struct {
	ID        string
	ServiceID string

	Production    *bool
	SessionSecret *string
	MongoURL      *string
	DiscordToken  *string
	EncryptionKey *string
}

// Field returns a pointer to the named sensitive field
func (c *Credentials) Field(name string) **string {
	switch name {
	case FieldSessionSecret:
		return &c.SessionSecret
	case FieldMongoURL:
		return &c.MongoURL
	case FieldDiscordToken:
		return &c.DiscordToken
	case FieldEncryptionKey:
		return &c.EncryptionKey
	}
	return nil
}

// Merge overwrites the fields set in the input, others are left as they are
func (c *Credentials) Merge(in *Credentials) {
	if in.Production != nil {
		c.Production = in.Production
	}
	for _, name := range SensitiveFields {
		if v := *in.Field(name); v != nil {
			*c.Field(name) = v
		}
	}
}

// Missing lists the fields that are absent or empty
func (c *Credentials) Missing() []string {
	var missing []string
	if c.Production == nil {
		missing = append(missing, "production")
	}
	for _, name := range SensitiveFields {
		if v := *c.Field(name); v == nil || *v == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// Validate checks that a decrypted set of credentials can be deployed
func (c *Credentials) Validate() error {
	if len(c.Missing()) > 0 {
		return errors.InvalidArgument(EntityCredentials, "Please fill in all credentials for this service before deploying.")
	}
	return nil
}

func (c *Credentials) ProductionString() string {
	if c.Production == nil {
		return "false"
	}
	return strconv.FormatBool(*c.Production)
}

// CredentialsInfo describes stored credentials without revealing them
type CredentialsInfo struct {
	ID         string
	ServiceID  string
	Production *bool
	// Digests maps every set sensitive field to a digest of its ciphertext
	Digests map[string]string
	Missing []string
}
