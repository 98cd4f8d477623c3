package tenant

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores when no tenant matches.
var ErrNotFound = errors.New("tenant not found")

// Personality shapes the agent's speaking style.
type Personality struct {
	Tone      string `json:"tone" mapstructure:"tone"`
	Verbosity string `json:"verbosity" mapstructure:"verbosity"`
	Empathy   string `json:"empathy" mapstructure:"empathy"`
}

// Tenant is one business's voice-agent configuration.
type Tenant struct {
	ID              string      `json:"id" mapstructure:"id"`
	BusinessName    string      `json:"business_name" mapstructure:"business_name"`
	PhoneNumber     string      `json:"phone_number" mapstructure:"phone_number"`
	AgentName       string      `json:"agent_name" mapstructure:"agent_name"`
	Industry        string      `json:"industry" mapstructure:"industry"`
	Greeting        string      `json:"greeting" mapstructure:"greeting"`
	EscalationPhone string      `json:"escalation_phone" mapstructure:"escalation_phone"`
	VoiceID         string      `json:"voice_id" mapstructure:"voice_id"`
	Personality     Personality `json:"personality" mapstructure:"personality"`
	Active          bool        `json:"active" mapstructure:"active"`
}

// Store is the system of record for tenants.
type Store interface {
	// ActiveTenants returns every tenant marked active.
	ActiveTenants(ctx context.Context) ([]Tenant, error)
	// TenantByID returns a tenant whether or not it is active.
	TenantByID(ctx context.Context, id string) (Tenant, error)
	// TenantByPhone returns the active tenant owning a normalized number.
	TenantByPhone(ctx context.Context, phone string) (Tenant, error)
}
