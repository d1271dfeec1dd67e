package detection

import (
	"bytes"
	"fmt"

	"github.com/spf13/viper"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/ahrav/datasentry/internal/domain/scanning"
)

// credentialDetector adapts the gitleaks detection engine to the Detector
// interface, covering the cloud-credential pattern family (API keys, access
// tokens, private keys) with its maintained default ruleset.
type credentialDetector struct {
	detector *detect.Detector
}

// NewCredentialDetector creates a detector backed by the embedded gitleaks
// default configuration.
func NewCredentialDetector() (Detector, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewBufferString(config.DefaultConfig)); err != nil {
		return nil, fmt.Errorf("failed to read embedded gitleaks config: %w", err)
	}

	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded gitleaks config: %w", err)
	}

	cfg, err := vc.Translate()
	if err != nil {
		return nil, fmt.Errorf("failed to translate gitleaks config: %w", err)
	}

	return &credentialDetector{detector: detect.NewDetector(cfg)}, nil
}

func (d *credentialDetector) Type() scanning.DetectorType {
	return scanning.DetectorTypeCloudCredential
}

func (d *credentialDetector) Detect(content []byte) []Candidate {
	findings := d.detector.DetectBytes(content)
	if len(findings) == 0 {
		return nil
	}

	candidates := make([]Candidate, 0, len(findings))
	searchFrom := 0
	for _, f := range findings {
		if f.Secret == "" {
			continue
		}
		// Gitleaks reports line/column positions; recover the byte offset
		// by locating the secret, resuming after the previous hit so equal
		// secrets map to distinct offsets.
		idx := bytes.Index(content[searchFrom:], []byte(f.Secret))
		if idx < 0 {
			idx = bytes.Index(content, []byte(f.Secret))
			if idx < 0 {
				continue
			}
			candidates = append(candidates, Candidate{Value: f.Secret, Offset: int64(idx)})
			continue
		}
		offset := searchFrom + idx
		searchFrom = offset + len(f.Secret)
		candidates = append(candidates, Candidate{Value: f.Secret, Offset: int64(offset)})
	}
	return candidates
}
