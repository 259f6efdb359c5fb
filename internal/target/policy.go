package target

import (
	"strings"
)

// Policy chooses the connection profile for a target host.
type Policy interface {
	ProfileFor(addr Address) Profile
}

// ProtectedHostPolicy selects Protected for hosts matching one of the
// protected suffixes and Default for all others. Matching is
// case-insensitive on whole DNS labels: "example.net" matches
// "play.example.net" but not "badexample.net".
type ProtectedHostPolicy struct {
	Default   Profile
	Protected Profile
	Suffixes  []string
}

// NewProtectedHostPolicy creates a policy with the given protected suffixes.
func NewProtectedHostPolicy(def, protected Profile, suffixes []string) *ProtectedHostPolicy {
	normalized := make([]string, 0, len(suffixes))
	for _, s := range suffixes {
		s = strings.ToLower(strings.Trim(strings.TrimSpace(s), "."))
		if s != "" {
			normalized = append(normalized, s)
		}
	}
	return &ProtectedHostPolicy{
		Default:   def,
		Protected: protected,
		Suffixes:  normalized,
	}
}

// ProfileFor returns the profile for addr.
func (p *ProtectedHostPolicy) ProfileFor(addr Address) Profile {
	if p.IsProtected(addr.Host) {
		return p.Protected
	}
	return p.Default
}

// IsProtected reports whether host matches a protected suffix.
func (p *ProtectedHostPolicy) IsProtected(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, suffix := range p.Suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// StaticPolicy returns the same profile for every host.
type StaticPolicy struct {
	Profile Profile
}

// ProfileFor returns the static profile.
func (p StaticPolicy) ProfileFor(Address) Profile {
	return p.Profile
}
