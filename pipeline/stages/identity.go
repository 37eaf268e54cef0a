package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/c360/protogate/config"
	"github.com/c360/protogate/errors"
	"github.com/c360/protogate/pipeline"
)

// AttrAuthenticated is set on frames that carried an auth message.
const AttrAuthenticated = "authenticated"

var authMarker = []byte(`"auth"`)

type authMessage struct {
	Type         string `json:"type"`
	DeviceID     string `json:"deviceId"`
	ProductKey   string `json:"productKey"`
	DeviceSecret string `json:"deviceSecret"`
}

type binding struct {
	productKey string
	deviceID   string
}

// Identity binds frames whose address did not name a product to a device.
// Clients of socket transports first send {"type":"auth",...}; the binding
// then applies to later frames on the same tenant and address. Frames
// without a binding use the tenant's default product key.
type Identity struct {
	pipeline.Base
	tenants func(string) (*config.TenantConfig, bool)
	logger  *slog.Logger

	mu       sync.RWMutex
	bindings map[string]binding
}

// NewIdentity creates the identity stage.
func NewIdentity(tenants func(string) (*config.TenantConfig, bool), logger *slog.Logger) *Identity {
	return &Identity{tenants: tenants, logger: logger, bindings: make(map[string]binding)}
}

// Name implements pipeline.Stage
func (s *Identity) Name() string { return "identity" }

// PreCheck implements pipeline.Stage
func (s *Identity) PreCheck(pc *pipeline.Context) bool { return pc.TenantID != "" }

// Supports implements pipeline.Stage. Frames already resolved from their
// address skip the stage unless they carry an auth message, which must
// never travel further down the pipeline.
func (s *Identity) Supports(pc *pipeline.Context) bool {
	if !pc.Identified() {
		return true
	}
	_, auth := parseAuth(pc.Payload)
	return auth
}

func bindingKey(tenantID, address string) string { return tenantID + "|" + address }

// Process implements pipeline.Stage
func (s *Identity) Process(_ context.Context, pc *pipeline.Context) (pipeline.Result, error) {
	if auth, ok := parseAuth(pc.Payload); ok {
		if auth.DeviceID == "" || auth.ProductKey == "" {
			return pipeline.Error, errors.WrapInvalid(fmt.Errorf("auth message needs deviceId and productKey"),
				"Identity", "Process", "authenticate")
		}
		s.mu.Lock()
		s.bindings[bindingKey(pc.TenantID, pc.Frame.Address)] = binding{auth.ProductKey, auth.DeviceID}
		s.mu.Unlock()

		pc.ProductKey, pc.DeviceID = auth.ProductKey, auth.DeviceID
		pc.Set(AttrAuthenticated, true)
		s.logger.Info("Device authenticated", "id", pc.ID, "tenant", pc.TenantID, "device", auth.DeviceID)
		return pipeline.Stop, nil
	}

	s.mu.RLock()
	b, bound := s.bindings[bindingKey(pc.TenantID, pc.Frame.Address)]
	s.mu.RUnlock()
	if bound {
		pc.ProductKey, pc.DeviceID = b.productKey, b.deviceID
		return pipeline.Continue, nil
	}

	if pc.ProductKey == "" {
		if cfg, ok := s.tenants(pc.TenantID); ok {
			pc.ProductKey = cfg.ProductKey
		}
	}
	if pc.ProductKey == "" {
		return pipeline.Error, fmt.Errorf("%w: tenant %s address %q", errors.ErrRouting, pc.TenantID, pc.Frame.Address)
	}
	if pc.DeviceID == "" {
		return pipeline.Error, fmt.Errorf("%w: no device id for tenant %s address %q",
			errors.ErrRouting, pc.TenantID, pc.Frame.Address)
	}
	return pipeline.Continue, nil
}

// Forget drops every binding of a tenant.
func (s *Identity) Forget(tenantID string) {
	prefix := tenantID + "|"
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.bindings {
		if strings.HasPrefix(k, prefix) {
			delete(s.bindings, k)
		}
	}
}

func parseAuth(payload []byte) (authMessage, bool) {
	var a authMessage
	if len(payload) == 0 || payload[0] != '{' || !bytes.Contains(payload, authMarker) {
		return a, false
	}
	if err := json.Unmarshal(payload, &a); err != nil {
		return a, false
	}
	return a, a.Type == "auth"
}
