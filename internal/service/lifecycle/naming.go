package lifecycle

import (
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// TestDeployToken prefixes subdomains of deployments without an owner.
const TestDeployToken = "testdeploy"

const (
	shortIDLength  = 8
	maxTokenLength = 40
)

var tokenSanitizer = regexp.MustCompile(`[^a-z0-9_-]+`)

func newShortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:shortIDLength]
}

// Subdomain builds "{token}-{shortID}" where token is the sanitised owner
// identifier, or TestDeployToken when the owner is blank.
func Subdomain(ownerID, shortID string) string {
	token := tokenSanitizer.ReplaceAllString(strings.ToLower(strings.TrimSpace(ownerID)), "-")
	token = strings.Trim(token, "-")
	if len(token) > maxTokenLength {
		token = strings.TrimRight(token[:maxTokenLength], "-")
	}
	if token == "" {
		token = TestDeployToken
	}
	return token + "-" + strings.ToLower(shortID)
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for key, value := range env {
		out = append(out, key+"="+value)
	}
	sort.Strings(out)
	return out
}
