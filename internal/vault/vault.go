package vault

import (
	"bytes"
	"encoding/base64"
	"io"

	"github.com/gtank/cryptopasta"

	"github.com/odpf/kleidi/core/keybot"
	"github.com/odpf/kleidi/internal/errors"
)

const (
	EntityVault = "vault"

	keyLength     = 32
	digestContext = "keybot service credentials"
)

type State int

const (
	Absent State = iota
	Present
	Corrupted
)

func (s State) String() string {
	switch s {
	case Present:
		return "present"
	case Corrupted:
		return "corrupted"
	}
	return "absent"
}

// Field is the result of opening a stored value. Callers outside the vault
// only see Value, a Corrupted field looks the same as an Absent one there.
type Field struct {
	State State
	Value string
	Err   error
}

func (f Field) Ptr() *string {
	if f.State != Present {
		return nil
	}
	v := f.Value
	return &v
}

// Key is the process wide symmetric key, established once at startup
type Key struct {
	key *[keyLength]byte
}

func KeyFromString(k string) (Key, error) {
	key := Key{
		key: &[keyLength]byte{},
	}

	if len(k) < keyLength {
		return key, errors.InvalidArgument("app_key", "random hash should be 32 chars in length")
	}

	_, err := io.ReadFull(bytes.NewBufferString(k), key.key[:])
	return key, err
}

func (k Key) Bytes() *[keyLength]byte {
	return k.key
}

type Vault struct {
	key *[keyLength]byte
}

func NewVault(key Key) *Vault {
	return &Vault{key: key.Bytes()}
}

// EncryptField never produces ciphertext for an absent or empty value
func (v *Vault) EncryptField(plaintext *string) (*string, error) {
	if plaintext == nil || *plaintext == "" {
		return nil, nil
	}

	encrypted, err := cryptopasta.Encrypt([]byte(*plaintext), v.key)
	if err != nil {
		return nil, errors.InternalError(EntityVault, "unable to encrypt field", err)
	}

	// base64 for storing safely in db
	encoded := base64.StdEncoding.EncodeToString(encrypted)
	return &encoded, nil
}

// Open decrypts a stored value and tells apart missing data from ciphertext
// that can not be read with the current key
func (v *Vault) Open(ciphertext *string) Field {
	if ciphertext == nil || *ciphertext == "" {
		return Field{State: Absent}
	}

	encrypted, err := base64.StdEncoding.DecodeString(*ciphertext)
	if err != nil {
		return Field{State: Corrupted, Err: err}
	}

	cleartext, err := cryptopasta.Decrypt(encrypted, v.key)
	if err != nil {
		return Field{State: Corrupted, Err: err}
	}
	return Field{State: Present, Value: string(cleartext)}
}

// DecryptField returns nil for anything that can not be opened
func (v *Vault) DecryptField(ciphertext *string) *string {
	return v.Open(ciphertext).Ptr()
}

// EncryptCredentials returns a copy with every sensitive field encrypted
func (v *Vault) EncryptCredentials(plain *keybot.Credentials) (*keybot.Credentials, error) {
	sealed := *plain
	for _, name := range keybot.SensitiveFields {
		encrypted, err := v.EncryptField(*plain.Field(name))
		if err != nil {
			return nil, err
		}
		*sealed.Field(name) = encrypted
	}
	return &sealed, nil
}

// DecryptCredentials returns a copy with every sensitive field decrypted along
// with the names of the fields whose ciphertext was corrupted
func (v *Vault) DecryptCredentials(sealed *keybot.Credentials) (*keybot.Credentials, []string) {
	plain := *sealed
	var corrupted []string
	for _, name := range keybot.SensitiveFields {
		field := v.Open(*sealed.Field(name))
		if field.State == Corrupted {
			corrupted = append(corrupted, name)
		}
		*plain.Field(name) = field.Ptr()
	}
	return &plain, corrupted
}

// Digest identifies a stored value without revealing it
func (v *Vault) Digest(ciphertext *string) string {
	if ciphertext == nil || *ciphertext == "" {
		return ""
	}
	digest := cryptopasta.Hash(digestContext, []byte(*ciphertext))
	return base64.StdEncoding.EncodeToString(digest)
}
