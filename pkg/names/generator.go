// Package names derives container names and externally reachable hostnames
// for challenge instances. Names are made practically unique by a 64-bit
// random suffix rather than a registry lookup.
package names

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/bigredctf/instancer/pkg/domain"
)

// SuffixHexLen is the length of the random hex suffix appended to every
// container name (8 random bytes).
const SuffixHexLen = 16

// Generator produces DNS-safe container names of the form
// {prefix}-{challenge}-{user}-{suffix} and hostnames under DomainSuffix.
type Generator struct {
	// Prefix anchors every name; defaults to "cornell".
	Prefix string
	// DomainSuffix is the provider's DNS zone, e.g. "eastus.azurecontainer.io".
	DomainSuffix string
	// Rand overrides the entropy source; nil means crypto/rand.
	Rand io.Reader
}

func New(domainSuffix string) *Generator {
	return &Generator{Prefix: "cornell", DomainSuffix: domainSuffix}
}

// Generate returns a fresh (containerName, hostname) pair. The hostname is
// a pure string transform of the container name; no network calls.
func (g *Generator) Generate(challengeID domain.ChallengeID, userID domain.UserID) (string, string) {
	prefix := g.Prefix
	if prefix == "" {
		prefix = "cornell"
	}

	src := g.Rand
	if src == nil {
		src = rand.Reader
	}
	buf := make([]byte, SuffixHexLen/2)
	if _, err := io.ReadFull(src, buf); err != nil {
		// crypto/rand does not fail on any supported platform; an injected
		// reader that does is a programming error.
		panic(fmt.Sprintf("names: entropy source failed: %v", err))
	}

	name := fmt.Sprintf("%s-%s-%d-%s", prefix, sanitize(string(challengeID)), userID, hex.EncodeToString(buf))
	hostname := name
	if g.DomainSuffix != "" {
		hostname = name + "." + g.DomainSuffix
	}
	return name, hostname
}

// sanitize lowercases and strips anything that is not [a-z0-9-] so the
// result stays a valid DNS label component.
func sanitize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}
