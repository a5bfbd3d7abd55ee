package bundler

import (
	"time"

	"gopkg.in/yaml.v3"
)

const manifestVersion = "1"

// Manifest represents the signed metadata included in bundles.
type Manifest struct {
	Version          string            `yaml:"version"`
	CreatedAt        time.Time         `yaml:"created_at"`
	Signer           string            `yaml:"signer,omitempty"`
	SigningPublicKey string            `yaml:"signing_public_key,omitempty"`
	Signature        string            `yaml:"signature,omitempty"`
	Sources          []ManifestSource  `yaml:"sources"`
	Inventory        ManifestInventory `yaml:"inventory"`
}

// SigningBytes marshals the manifest without its signature for signing/verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// ManifestSource describes one inventory file merged into the bundle.
type ManifestSource struct {
	Name      string `yaml:"name"`
	Records   int    `yaml:"records"`
	Corrupt   int    `yaml:"corrupt,omitempty"`
	Truncated bool   `yaml:"truncated,omitempty"`
}

// ManifestInventory describes the merged inventory carried in the bundle.
type ManifestInventory struct {
	Path       string   `yaml:"path"`
	Records    int      `yaml:"records"`
	Size       int64    `yaml:"size"`
	SHA256     string   `yaml:"sha256"`
	Algorithms []string `yaml:"algorithms"`
}
