package routing

import (
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/cmux-dev/gateway/internal/infrastructure/config"
)

var (
	// Direct-VM form. The suffix after the vm id varies by Morph deployment
	// and must be echoed back verbatim.
	directVMPattern = regexp.MustCompile(`^port-(\d{1,5})-morphvm-([a-z0-9]+)\.(.+)$`)

	// Compact form: a short alphanumeric machine id and a numeric port.
	compactIDPattern = regexp.MustCompile(`^[a-z0-9]{1,24}$`)

	digitsPattern = regexp.MustCompile(`^\d{1,5}$`)
)

const (
	scopedPrefix = "cmux"
	legacyPrefix = "autobuild"
	baseScope    = "base"
)

// Resolver resolves hostnames against configured provider domain defaults.
// It holds no mutable state and is safe for concurrent use.
type Resolver struct {
	domainSuffix       string
	defaultMorphSuffix string
	workspaceSuffix    string
	flySuffix          string
	baseDomains        map[string]struct{}
}

// New creates a resolver from configuration.
func New(cfg config.ResolverConfig) *Resolver {
	domains := make(map[string]struct{}, len(cfg.BaseDomains))
	for _, d := range cfg.BaseDomains {
		domains[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	return &Resolver{
		domainSuffix:       cfg.DomainSuffix,
		defaultMorphSuffix: NormalizeSuffix(cfg.MorphDomainSuffix),
		workspaceSuffix:    NormalizeSuffix(cfg.WorkspaceDomainSuffix),
		flySuffix:          NormalizeSuffix(cfg.FlyDomainSuffix),
		baseDomains:        domains,
	}
}

type resolveOptions struct {
	morphSuffix    *string
	morphSuffixSet bool
}

// Option adjusts a single Resolve call.
type Option func(*resolveOptions)

// WithMorphSuffix overrides the default Morph domain suffix for this call.
// The value is normalized to carry a leading dot.
func WithMorphSuffix(suffix string) Option {
	return func(o *resolveOptions) {
		normalized := NormalizeSuffix(suffix)
		o.morphSuffix = &normalized
		o.morphSuffixSet = true
	}
}

// WithoutMorphSuffix omits the morph suffix field from the resolved route
// entirely. This is distinct from not passing an option, which falls back to
// the resolver's configured default, and it changes serialized output.
func WithoutMorphSuffix() Option {
	return func(o *resolveOptions) {
		o.morphSuffix = nil
		o.morphSuffixSet = true
	}
}

// NormalizeSuffix trims a domain suffix and guarantees a leading dot.
// Empty input stays empty.
func NormalizeSuffix(suffix string) string {
	trimmed := strings.TrimSpace(suffix)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, ".") {
		return trimmed
	}
	return "." + trimmed
}

// Resolve turns a hostname (bare, host:port, or full URL) into a Route, or nil
// when no grammar matches. Matching is case-insensitive. Callers must treat
// nil as a terminal 400-class condition, not a retry condition.
//
// Grammars are tried in a fixed precedence order; the first structural match
// wins. The order is a deliberate tie-break between schemes that can overlap:
// direct-VM, then cmux-scoped, then the legacy autobuild prefix, then the
// compact two-segment form, then the unprefixed workspace fallback.
func (r *Resolver) Resolve(hostname string, opts ...Option) *Route {
	var options resolveOptions
	for _, opt := range opts {
		opt(&options)
	}

	host := extractHost(hostname)
	if host == "" {
		return nil
	}

	for _, match := range []func(string, *resolveOptions) *Route{
		r.matchDirectVM,
		r.matchScoped,
		r.matchLegacy,
		r.matchCompact,
		r.matchWorkspace,
	} {
		if route := match(host, &options); route != nil {
			return route
		}
	}
	return nil
}

// IsLoopback reports whether a hostname refers to the local machine.
func IsLoopback(hostname string) bool {
	lower := strings.ToLower(hostname)
	return lower == "localhost" ||
		lower == "127.0.0.1" ||
		strings.HasPrefix(lower, "127.") ||
		lower == "[::1]" ||
		lower == "::1"
}

// extractHost lowercases and strips scheme, path, and port.
func extractHost(input string) string {
	s := strings.TrimSpace(strings.ToLower(input))
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		return u.Hostname()
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	return strings.TrimSuffix(s, ".")
}

func (r *Resolver) matchDirectVM(host string, opts *resolveOptions) *Route {
	m := directVMPattern.FindStringSubmatch(host)
	if m == nil {
		return nil
	}
	if _, ok := parsePort(m[1]); !ok {
		return nil
	}
	suffix := "." + m[3]
	return &Route{
		SandboxID:         m[2],
		Scope:             baseScope,
		TargetHost:        host,
		SkipRewrite:       true,
		DomainSuffix:      r.domainSuffix,
		MorphDomainSuffix: &suffix,
		Provider:          ProviderMorph,
	}
}

func (r *Resolver) matchScoped(host string, opts *resolveOptions) *Route {
	label, domain, ok := splitFirstLabel(host)
	if !ok {
		return nil
	}
	if _, known := r.baseDomains[domain]; !known {
		return nil
	}
	segs := strings.Split(label, "-")
	if len(segs) < 4 || segs[0] != scopedPrefix {
		return nil
	}
	port, ok := parsePort(segs[len(segs)-1])
	if !ok {
		return nil
	}
	scope := segs[len(segs)-2]
	vmID := strings.Join(segs[1:len(segs)-2], "-")
	if vmID == "" || scope == "" {
		return nil
	}
	return &Route{
		SandboxID:         vmID,
		Scope:             scope,
		Port:              port,
		AddCORS:           scope != baseScope,
		DomainSuffix:      domain,
		MorphDomainSuffix: r.morphSuffix(opts),
		Provider:          ProviderCmux,
	}
}

func (r *Resolver) matchLegacy(host string, opts *resolveOptions) *Route {
	label, domain, ok := splitFirstLabel(host)
	if !ok {
		return nil
	}
	if _, known := r.baseDomains[domain]; !known {
		return nil
	}
	segs := strings.Split(label, "-")
	if len(segs) < 4 || segs[0] != legacyPrefix {
		return nil
	}
	port, ok := parsePort(segs[len(segs)-1])
	if !ok {
		return nil
	}
	vmID := strings.Join(segs[1:len(segs)-2], "-")
	if vmID == "" {
		return nil
	}
	// The legacy grammar predates per-port scopes: the scope segment is
	// parsed for shape but the route is always scoped to base.
	return &Route{
		SandboxID:         vmID,
		Scope:             baseScope,
		Port:              port,
		TargetHost:        vmID + r.workspaceSuffix,
		DomainSuffix:      r.domainSuffix,
		MorphDomainSuffix: r.morphSuffix(opts),
		Provider:          ProviderFreestyle,
	}
}

func (r *Resolver) matchCompact(host string, opts *resolveOptions) *Route {
	label, _, ok := splitFirstLabel(host)
	if !ok {
		return nil
	}
	segs := strings.Split(label, "-")
	if len(segs) != 2 {
		return nil
	}
	if !compactIDPattern.MatchString(segs[0]) || !digitsPattern.MatchString(segs[1]) {
		return nil
	}
	port, ok := parsePort(segs[1])
	if !ok {
		return nil
	}
	return &Route{
		SandboxID:         segs[0],
		Scope:             baseScope,
		Port:              port,
		TargetHost:        segs[0] + r.flySuffix,
		DomainSuffix:      r.domainSuffix,
		MorphDomainSuffix: r.morphSuffix(opts),
		Provider:          ProviderFly,
	}
}

func (r *Resolver) matchWorkspace(host string, opts *resolveOptions) *Route {
	label, _, ok := splitFirstLabel(host)
	if !ok {
		return nil
	}
	segs := strings.Split(label, "-")
	if len(segs) < 3 {
		return nil
	}
	port, ok := parsePort(segs[len(segs)-1])
	if !ok {
		return nil
	}
	scope := segs[len(segs)-2]
	vmID := strings.Join(segs[:len(segs)-2], "-")
	if vmID == "" || scope == "" {
		return nil
	}
	return &Route{
		SandboxID:         vmID,
		Scope:             scope,
		Port:              port,
		AddCORS:           scope != baseScope,
		TargetHost:        vmID + r.workspaceSuffix,
		DomainSuffix:      r.domainSuffix,
		MorphDomainSuffix: r.morphSuffix(opts),
		Provider:          ProviderWorkspace,
	}
}

// morphSuffix applies the three-state override policy: an explicit override
// wins, an explicit null omits the field, and unset falls back to the
// configured default.
func (r *Resolver) morphSuffix(opts *resolveOptions) *string {
	if opts.morphSuffixSet {
		if opts.morphSuffix == nil || *opts.morphSuffix == "" {
			return nil
		}
		return opts.morphSuffix
	}
	if r.defaultMorphSuffix == "" {
		return nil
	}
	suffix := r.defaultMorphSuffix
	return &suffix
}

// splitFirstLabel separates the first DNS label from the remaining domain.
func splitFirstLabel(host string) (label, domain string, ok bool) {
	i := strings.IndexByte(host, '.')
	if i <= 0 || i == len(host)-1 {
		return "", "", false
	}
	return host[:i], host[i+1:], true
}

func parsePort(s string) (int, bool) {
	if !digitsPattern.MatchString(s) {
		return 0, false
	}
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, false
	}
	return port, true
}
