// Package device issues the stable per-installation identifier used to
// break conflict-resolution ties and to scope per-device sync cursors.
//
// The id has the form {sanitized-hostname}-{random-suffix} and is
// persisted once per installation. Legacy installations stored a short
// hex hash of the hostname; those ids collided across devices and are
// upgraded to the new format on first read, with no continuity
// guarantee.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// IDFileName is the per-user file the identifier is persisted in.
const IDFileName = ".ledgersync_device_id"

// minIDLength is the threshold below which a stored id is treated as a
// legacy low-entropy hash and regenerated.
const minIDLength = 12

var (
	sanitizeRe   = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)
	legacyHashRe = regexp.MustCompile(`^[a-f0-9]{8,64}$`)
)

// Provider issues and persists the stable device id.
type Provider struct {
	path string

	// hostname overrides os.Hostname in tests.
	hostname func() (string, error)
}

// New returns a Provider persisting the id under dir. If dir is empty
// the user's home directory is used.
func New(dir string) (*Provider, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate home directory: %w", err)
		}
		dir = home
	}
	return &Provider{
		path:     filepath.Join(dir, IDFileName),
		hostname: os.Hostname,
	}, nil
}

// StableID returns the device id, generating and persisting one on
// first use. Idempotent across process restarts.
func (p *Provider) StableID() (string, error) {
	data, err := os.ReadFile(p.path)
	if err == nil {
		current := strings.TrimSpace(string(data))
		if current != "" && !isLegacy(current) {
			return current, nil
		}
		// Legacy short hashes collide across devices and must not be
		// trusted for tie-breaking. Replace, don't preserve.
		upgraded := p.generate()
		if werr := p.persist(upgraded); werr != nil {
			return "", fmt.Errorf("failed to upgrade legacy device id: %w", werr)
		}
		return upgraded, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read device id file: %w", err)
	}

	generated := p.generate()
	if err := p.persist(generated); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	return generated, nil
}

// isLegacy reports whether a stored id predates the collision-resistant
// format.
func isLegacy(id string) bool {
	if len(id) < minIDLength {
		return true
	}
	return !strings.Contains(id, "-") && legacyHashRe.MatchString(strings.ToLower(id))
}

func (p *Provider) generate() string {
	host := "host"
	if name, err := p.hostname(); err == nil {
		if s := sanitize(name); s != "" {
			host = s
		}
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return fmt.Sprintf("%s-%s", host, suffix)
}

func (p *Provider) persist(id string) error {
	return os.WriteFile(p.path, []byte(id), 0o600)
}

func sanitize(value string) string {
	cleaned := sanitizeRe.ReplaceAllString(strings.TrimSpace(value), "-")
	cleaned = strings.Trim(cleaned, "-_")
	return strings.ToLower(cleaned)
}
