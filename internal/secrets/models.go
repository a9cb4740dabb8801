package secrets

import "time"

// SecretCategory groups secrets for filtering in clients.
type SecretCategory string

const (
	CategoryAPIKey       SecretCategory = "api_key"
	CategoryServiceToken SecretCategory = "service_token"
	CategorySSHKey       SecretCategory = "ssh_key"
	CategoryCustom       SecretCategory = "custom"
)

// Valid reports whether the category is one of the known values.
func (c SecretCategory) Valid() bool {
	switch c {
	case CategoryAPIKey, CategoryServiceToken, CategorySSHKey, CategoryCustom:
		return true
	}
	return false
}

// Secret is stored metadata. The value never rides along; Reveal is the
// only path to it.
type Secret struct {
	ID        string            `json:"id" db:"id"`
	Name      string            `json:"name" db:"name"`
	EnvKey    string            `json:"env_key" db:"env_key"`
	Category  SecretCategory    `json:"category" db:"category"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

// SecretWithValue carries the plaintext value on its way into the store.
type SecretWithValue struct {
	Secret
	Value string `json:"value,omitempty"`
}

// SecretListItem is the list-endpoint shape; HasValue lets clients show
// whether a secret has been set without ever fetching the value.
type SecretListItem struct {
	ID        string            `json:"id" db:"id"`
	Name      string            `json:"name" db:"name"`
	EnvKey    string            `json:"env_key" db:"env_key"`
	Category  SecretCategory    `json:"category" db:"category"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	HasValue  bool              `json:"has_value" db:"has_value"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

// CreateSecretRequest creates a secret. EnvKey is the environment
// variable name the value is injected under in executor processes.
type CreateSecretRequest struct {
	Name     string            `json:"name"`
	EnvKey   string            `json:"env_key"`
	Value    string            `json:"value"`
	Category SecretCategory    `json:"category,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// UpdateSecretRequest patches a secret; nil fields are untouched. EnvKey
// is immutable after creation.
type UpdateSecretRequest struct {
	Name     *string           `json:"name,omitempty"`
	Value    *string           `json:"value,omitempty"`
	Category *SecretCategory   `json:"category,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RevealSecretResponse carries a decrypted value to an authorized caller.
type RevealSecretResponse struct {
	Value string `json:"value"`
}
