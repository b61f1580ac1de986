package identity

import "time"

// Account is the domain representation of an identity that can act through
// the API. It carries no role information; roles are owned by the registry
// and consulted live by the domain layer.
type Account struct {
	Address     string
	DisplayName string
	SecretHash  string
	CreatedAt   time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name"`
	Secret      string `json:"secret"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Address string `json:"address"`
	Secret  string `json:"secret"`
}
