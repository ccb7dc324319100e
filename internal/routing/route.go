// Package routing resolves inbound hostnames to backend sandbox routes.
//
// Sandboxes are provisioned interchangeably across several VM providers, each
// with its own hostname convention. The resolver turns a request's host header
// into a structured Route without touching the network: it is a pure function
// over the hostname plus configured domain-suffix defaults.
package routing

// Provider tags which hostname grammar produced a route. Downstream code uses
// it for provider-specific behavior (host rewriting, response pass-through).
type Provider string

const (
	// ProviderMorph is the direct-VM form: port-<port>-morphvm-<id>.<suffix>.
	ProviderMorph Provider = "morph"
	// ProviderCmux is the scoped form: cmux-<id>-<scope>-<port>.<baseDomain>.
	ProviderCmux Provider = "cmux"
	// ProviderFreestyle is the legacy autobuild-prefixed form.
	ProviderFreestyle Provider = "freestyle"
	// ProviderFly is the compact <id>-<port> form.
	ProviderFly Provider = "fly"
	// ProviderWorkspace is the unprefixed <id>-<scope>-<port> fallback.
	ProviderWorkspace Provider = "workspace"
)

// Route is the resolved mapping from an inbound hostname to a backend sandbox.
// It is an immutable value: produced solely by Resolver.Resolve, never mutated,
// and discarded after one request or connection unless a caller caches it.
type Route struct {
	SandboxID string `json:"sandboxId"`
	Scope     string `json:"scope"`

	// TargetHost is the provider-native backend host, when the grammar encodes
	// one. Empty for cmux-scoped routes, whose backend host is deployment
	// configuration owned by the caller.
	TargetHost string `json:"targetHost,omitempty"`

	// Port is the internal sandbox port. Zero when the port is already encoded
	// in TargetHost (direct-VM form).
	Port int `json:"port,omitempty"`

	// SkipRewrite disables response header rewriting for providers that serve
	// on their own domains.
	SkipRewrite bool `json:"skipRewrite"`

	// AddCORS requests CORS headers on proxied responses for this route.
	AddCORS bool `json:"addCors"`

	// DomainSuffix is the cmux base domain this route serializes against.
	DomainSuffix string `json:"domainSuffix"`

	// MorphDomainSuffix is the provider-native domain suffix, leading dot
	// included. nil means the field is omitted entirely from serialized
	// output, which is distinct from an empty default.
	MorphDomainSuffix *string `json:"morphDomainSuffix,omitempty"`

	Provider Provider `json:"provider"`
}

// HasMorphSuffix reports whether the route carries a provider-native suffix.
func (r *Route) HasMorphSuffix() bool {
	return r.MorphDomainSuffix != nil && *r.MorphDomainSuffix != ""
}

// MorphSuffix returns the provider-native suffix or "".
func (r *Route) MorphSuffix() string {
	if r.MorphDomainSuffix == nil {
		return ""
	}
	return *r.MorphDomainSuffix
}
