package governance

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Registry is the domain and integration-edge bookkeeping. It is not safe
// for concurrent use on its own: all mutation is serialized through Manager.
type Registry struct {
	domains      map[string]*Domain
	integrations map[string]*Integration
	// exceptions are "SOURCE:TARGET" pairs allowed to connect directly
	// without routing through the hub. Order-insensitive.
	exceptions map[string]bool
}

// NewRegistry creates an empty registry with the given direct-connection
// exceptions.
func NewRegistry(exceptions []string) *Registry {
	r := &Registry{
		domains:      make(map[string]*Domain),
		integrations: make(map[string]*Integration),
		exceptions:   make(map[string]bool),
	}
	for _, e := range exceptions {
		r.exceptions[normalizePair(e)] = true
	}
	// The hub always exists.
	r.domains[HubDomain] = &Domain{
		Code:      HubDomain,
		Status:    DomainActive,
		CreatedAt: time.Now(),
	}
	return r
}

func normalizePair(pair string) string {
	parts := strings.SplitN(pair, ":", 2)
	if len(parts) != 2 {
		return strings.ToUpper(strings.TrimSpace(pair))
	}
	a := strings.ToUpper(strings.TrimSpace(parts[0]))
	b := strings.ToUpper(strings.TrimSpace(parts[1]))
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// registerDomain creates an active domain plus its automatic hub edge. The
// hub itself gets no self-edge.
func (r *Registry) registerDomain(code string, capabilities []string) (*Domain, *Integration, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, nil, fmt.Errorf("%w: domain code is required", ErrInvalidInput)
	}
	if _, exists := r.domains[code]; exists {
		return nil, nil, fmt.Errorf("%w: domain %s already registered", ErrInvalidInput, code)
	}

	d := &Domain{
		Code:         code,
		Capabilities: capabilities,
		Status:       DomainActive,
		CreatedAt:    time.Now(),
	}
	r.domains[code] = d

	if code == HubDomain {
		return d, nil, nil
	}
	edge := &Integration{
		ID:        uuid.NewString(),
		Source:    code,
		Target:    HubDomain,
		Status:    IntegrationConnected,
		Version:   1,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	r.integrations[edge.ID] = edge
	d.Connections = append(d.Connections, edge.ID)
	if hub, ok := r.domains[HubDomain]; ok {
		hub.Connections = append(hub.Connections, edge.ID)
	}
	return d, edge, nil
}

// requestIntegration validates hub-and-spoke policy and creates a pending
// edge. Callers create the linked Review; a policy violation creates
// nothing.
func (r *Registry) requestIntegration(source, target string) (*Integration, error) {
	source = strings.ToUpper(strings.TrimSpace(source))
	target = strings.ToUpper(strings.TrimSpace(target))
	if source == "" || target == "" || source == target {
		return nil, fmt.Errorf("%w: source and target must be distinct domains", ErrInvalidInput)
	}
	for _, code := range []string{source, target} {
		d, ok := r.domains[code]
		if !ok {
			return nil, fmt.Errorf("%w: domain %s", ErrNotFound, code)
		}
		if d.Status != DomainActive {
			return nil, fmt.Errorf("%w: domain %s is %s", ErrInvalidInput, code, d.Status)
		}
	}
	if source != HubDomain && target != HubDomain && !r.exceptions[normalizePair(source+":"+target)] {
		return nil, fmt.Errorf("%w: %s->%s must route through hub %s (no direct-connection exception)",
			ErrPolicyViolation, source, target, HubDomain)
	}

	in := &Integration{
		ID:        uuid.NewString(),
		Source:    source,
		Target:    target,
		Status:    IntegrationPending,
		Version:   1,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	r.integrations[in.ID] = in
	r.domains[source].Connections = append(r.domains[source].Connections, in.ID)
	r.domains[target].Connections = append(r.domains[target].Connections, in.ID)
	return in, nil
}

// setIntegrationStatus moves an integration to status, bumping its version.
func (r *Registry) setIntegrationStatus(id, status string) (*Integration, error) {
	in, ok := r.integrations[id]
	if !ok {
		return nil, fmt.Errorf("%w: integration %s", ErrNotFound, id)
	}
	if in.Status != status {
		in.Status = status
		in.Version++
		in.UpdatedAt = time.Now()
	}
	return in, nil
}

func (r *Registry) domain(code string) (*Domain, bool) {
	d, ok := r.domains[strings.ToUpper(strings.TrimSpace(code))]
	return d, ok
}

func (r *Registry) integration(id string) (*Integration, bool) {
	in, ok := r.integrations[id]
	return in, ok
}

func (r *Registry) domainIntegrations(code string) []Integration {
	d, ok := r.domain(code)
	if !ok {
		return nil
	}
	out := make([]Integration, 0, len(d.Connections))
	for _, id := range d.Connections {
		if in, ok := r.integrations[id]; ok {
			out = append(out, *in)
		}
	}
	return out
}

func (r *Registry) allDomains() []Domain {
	out := make([]Domain, 0, len(r.domains))
	for _, d := range r.domains {
		out = append(out, *d)
	}
	return out
}
