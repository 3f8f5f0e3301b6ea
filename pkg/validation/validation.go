package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// IDRegex matches participant, room and record ids (UUIDs or slug ids).
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateID validates an opaque identifier.
func ValidateID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > 100 {
		return fmt.Errorf("%s is too long (max 100 characters)", fieldName)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidateDisplayName validates a participant display name.
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("display name is required")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	return ValidateStringLength(name, 1, 64, "display name")
}

// ValidateSDP checks a session description carries the mandatory lines.
func ValidateSDP(sdp string) error {
	if strings.TrimSpace(sdp) == "" {
		return fmt.Errorf("sdp is required")
	}
	for _, field := range []string{"v=", "o=", "s=", "t="} {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("sdp is missing %q line", field)
		}
	}
	return nil
}

// ValidateSDPType accepts the description types that travel through the relay.
func ValidateSDPType(t string) error {
	switch t {
	case "offer", "answer", "pranswer":
		return nil
	default:
		return fmt.Errorf("invalid sdp type %q", t)
	}
}

// ValidateCandidate validates an ICE candidate line. The empty candidate
// marks end-of-candidates and is accepted.
func ValidateCandidate(candidate string) error {
	if candidate == "" {
		return nil
	}
	if !strings.HasPrefix(candidate, "candidate:") {
		return fmt.Errorf("ice candidate must start with \"candidate:\"")
	}
	if len(candidate) > 1024 {
		return fmt.Errorf("ice candidate is too long")
	}
	return nil
}

// ValidateStringLength validates string length in runes.
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
