package common

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// AttachmentValidator checks client-supplied attachment URLs against the
// configured storage hosts. An empty host list accepts any http(s) URL.
type AttachmentValidator struct {
	hosts []string
}

// NewAttachmentValidator creates a validator for the given hosts
func NewAttachmentValidator(hosts []string) *AttachmentValidator {
	normalized := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			normalized = append(normalized, h)
		}
	}
	return &AttachmentValidator{hosts: normalized}
}

// Validate returns ErrValidation when rawURL is malformed or points to a
// host outside the allow list. Subdomains of an allowed host are accepted.
func (v *AttachmentValidator) Validate(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("%w: attachment url is malformed", ErrValidation)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: attachment url must be http or https", ErrValidation)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: attachment url has no host", ErrValidation)
	}
	if len(v.hosts) == 0 {
		return nil
	}
	if slices.Contains(v.hosts, host) {
		return nil
	}
	for _, allowed := range v.hosts {
		if strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: attachment host %s is not allowed", ErrValidation, host)
}
