package services

import (
	"testing"

	"github.com/lborres/accountd/core"
)

// Requirement: BaseEndpoints describes every account route with its
// method, operation ID and auth requirement.
func TestBaseEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		wantPath   string
		wantMethod string
		wantOpID   string
		wantAuth   core.AuthRequirement
	}{
		{
			name:       "login is a public POST",
			wantPath:   "/auth/login",
			wantMethod: "POST",
			wantOpID:   OpLogin,
			wantAuth:   core.AuthNone,
		},
		{
			name:       "verify-email is a GET carrying the token in the query",
			wantPath:   "/auth/signup/verify-email",
			wantMethod: "GET",
			wantOpID:   OpVerifyEmail,
			wantAuth:   core.AuthNone,
		},
		{
			name:       "permission callback has its own route",
			wantPath:   "/oauth/permission/callback/:provider",
			wantMethod: "GET",
			wantOpID:   OpOAuthPermissionCallback,
			wantAuth:   core.AuthNone,
		},
		{
			name:       "whole session read",
			wantPath:   "/session",
			wantMethod: "GET",
			wantOpID:   OpGetSession,
			wantAuth:   core.AuthNone,
		},
		{
			name:       "single account read",
			wantPath:   "/session/accounts/:accountId",
			wantMethod: "GET",
			wantOpID:   OpGetSessionAccount,
			wantAuth:   core.AuthNone,
		},
		{
			name:       "two-factor setup needs the account's token",
			wantPath:   "/:accountId/twofa/setup",
			wantMethod: "POST",
			wantOpID:   OpTwoFactorSetup,
			wantAuth:   core.AuthAccount,
		},
		{
			name:       "refresh authenticates with the refresh token itself",
			wantPath:   "/:accountId/tokens/refresh",
			wantMethod: "POST",
			wantOpID:   OpRefreshToken,
			wantAuth:   core.AuthNone,
		},
	}

	// Arrange
	byOpID := make(map[string]core.Endpoint)
	for _, ep := range BaseEndpoints() {
		byOpID[ep.Metadata.OperationID] = ep
	}

	// Act & Assert
	for _, test := range tests {
		test := test // capture range variable
		t.Run(test.name, func(t *testing.T) {
			ep, found := byOpID[test.wantOpID]
			if !found {
				t.Fatalf("BaseEndpoints should include operation %q", test.wantOpID)
			}

			if ep.Path != test.wantPath {
				t.Errorf("operation %q should have path %q; got %q", test.wantOpID, test.wantPath, ep.Path)
			}

			if ep.Method != test.wantMethod {
				t.Errorf("operation %q should have method %s; got %s", test.wantOpID, test.wantMethod, ep.Method)
			}

			if ep.Metadata.Auth != test.wantAuth {
				t.Errorf("operation %q should have auth %v; got %v", test.wantOpID, test.wantAuth, ep.Metadata.Auth)
			}

			if ep.Metadata.Description == "" {
				t.Errorf("operation %q should have a description", test.wantOpID)
			}
		})
	}
}

// Requirement: All endpoints must have unique OperationIDs.
func TestBaseEndpoints_OperationIDsAreUnique(t *testing.T) {
	// Arrange
	endpoints := BaseEndpoints()

	// Act & Assert
	operationIDs := make(map[string]bool)
	for _, ep := range endpoints {
		if operationIDs[ep.Metadata.OperationID] {
			t.Errorf("BaseEndpoints contains duplicate OperationID: %q", ep.Metadata.OperationID)
		}
		operationIDs[ep.Metadata.OperationID] = true
	}
}

// Requirement: All endpoints must have unique METHOD:PATH pairs.
func TestBaseEndpoints_RoutesAreUnique(t *testing.T) {
	// Arrange
	endpoints := BaseEndpoints()

	// Act & Assert
	routes := make(map[string]bool)
	for _, ep := range endpoints {
		key := ep.Method + ":" + ep.Path
		if routes[key] {
			t.Errorf("BaseEndpoints contains duplicate route: %q", key)
		}
		routes[key] = true
	}
}

// Requirement: static /session routes are registered before the
// parameterized /:accountId routes so first-match routers pick them.
func TestBaseEndpoints_StaticSessionRoutesComeFirst(t *testing.T) {
	// Arrange
	endpoints := BaseEndpoints()

	// Act
	position := make(map[string]int)
	for i, ep := range endpoints {
		position[ep.Metadata.OperationID] = i
	}

	// Assert
	if position[OpLogoutAll] > position[OpLogoutAccount] {
		t.Errorf("POST /session/logout should precede POST /:accountId/logout")
	}
}

// Requirement: EndpointRegistry registers all base endpoints on creation
// and keeps their order.
func TestEndpointRegistry_RegistersBaseEndpoints(t *testing.T) {
	// Arrange & Act
	registry := NewEndpointRegistry()

	// Assert
	endpoints := registry.Endpoints()
	base := BaseEndpoints()

	if len(endpoints) != len(base) {
		t.Fatalf("EndpointRegistry should register %d base endpoints; got %d", len(base), len(endpoints))
	}

	for i, ep := range endpoints {
		if ep.Metadata.OperationID != base[i].Metadata.OperationID {
			t.Errorf("endpoint %d should be %q; got %q", i, base[i].Metadata.OperationID, ep.Metadata.OperationID)
		}
	}
}

// Requirement: EndpointRegistry detects and rejects duplicate endpoint registrations
// (same METHOD:PATH combination).
func TestEndpointRegistry_DetectsConflicts(t *testing.T) {
	tests := []struct {
		name           string
		conflictPath   string
		conflictMethod string
		wantErr        bool
	}{
		{
			name:           "rejects duplicate POST /auth/login",
			conflictPath:   "/auth/login",
			conflictMethod: "POST",
			wantErr:        true,
		},
		{
			name:           "rejects duplicate GET /session",
			conflictPath:   "/session",
			conflictMethod: "GET",
			wantErr:        true,
		},
		{
			name:           "allows different path same method",
			conflictPath:   "/custom",
			conflictMethod: "POST",
			wantErr:        false,
		},
		{
			name:           "allows same path different method",
			conflictPath:   "/auth/login",
			conflictMethod: "GET",
			wantErr:        false,
		},
	}

	for _, test := range tests {
		test := test // capture range variable
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			registry := NewEndpointRegistry()
			plugin := []core.Endpoint{{
				Path:     test.conflictPath,
				Method:   test.conflictMethod,
				Metadata: core.EndpointMetadata{OperationID: "customOp", Description: "Plugin endpoint"},
			}}

			// Act
			err := registry.RegisterPlugin(plugin)

			// Assert
			if (err != nil) != test.wantErr {
				t.Errorf("RegisterPlugin should error=%v; got error=%v (%v)", test.wantErr, err != nil, err)
			}
		})
	}
}

// Requirement: a plugin batch is registered all or nothing.
func TestEndpointRegistry_RegistersPluginEndpoints(t *testing.T) {
	base := len(BaseEndpoints())

	tests := []struct {
		name           string
		paths          []string
		wantTotalCount int
		wantErr        bool
	}{
		{
			name:           "registers single plugin endpoint",
			paths:          []string{"/password/change"},
			wantTotalCount: base + 1,
		},
		{
			name:           "registers multiple plugin endpoints",
			paths:          []string{"/password/change", "/password/reset", "/password/forgot"},
			wantTotalCount: base + 3,
		},
		{
			name:           "rejects plugins with conflicts within plugin set",
			paths:          []string{"/password/change", "/password/change"},
			wantTotalCount: base,
			wantErr:        true,
		},
	}

	for _, test := range tests {
		test := test // capture range variable
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			registry := NewEndpointRegistry()
			plugin := make([]core.Endpoint, len(test.paths))
			for i, p := range test.paths {
				plugin[i] = core.Endpoint{
					Path:     p,
					Method:   "POST",
					Metadata: core.EndpointMetadata{OperationID: p, Description: "Plugin endpoint"},
				}
			}

			// Act
			err := registry.RegisterPlugin(plugin)

			// Assert
			if (err != nil) != test.wantErr {
				t.Errorf("RegisterPlugin should error=%v; got error=%v", test.wantErr, err != nil)
			}

			if got := len(registry.Endpoints()); got != test.wantTotalCount {
				t.Errorf("EndpointRegistry should have %d endpoints after plugin registration; got %d", test.wantTotalCount, got)
			}
		})
	}
}
