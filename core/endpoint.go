package core

// AuthRequirement says what an endpoint needs before its handler runs.
type AuthRequirement int

const (
	// AuthNone endpoints are public.
	AuthNone AuthRequirement = iota
	// AuthAccount endpoints act on the :accountId path segment and need
	// that account's access token.
	AuthAccount
)

// Endpoint is a framework-agnostic route description. HTTP adapters
// bind their own handlers to it by OperationID.
type Endpoint struct {
	Path     string
	Method   string
	Metadata EndpointMetadata
}

type EndpointMetadata struct {
	OperationID string
	Description string
	Auth        AuthRequirement
}

// EndpointProvider supplies extra endpoints to register.
type EndpointProvider interface {
	GetEndpoints() []Endpoint
}
