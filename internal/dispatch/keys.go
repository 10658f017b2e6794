package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Cache keys are SHA-256 fingerprints of the normalized request parameters.
// Keys for identified callers carry a tenant prefix so the sharded cache can
// flush one tenant with a prefix delete.

func generateKey(callerID, prompt string, maxTokens int, temperature float64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%.4f", prompt, maxTokens, temperature)))
	return withTenant(callerID, "llm:generate:"+hex.EncodeToString(sum[:]))
}

func embedKey(callerID string, texts []string) string {
	sum := sha256.Sum256([]byte(strings.Join(texts, "\x00")))
	return withTenant(callerID, "llm:embed:"+hex.EncodeToString(sum[:]))
}

func withTenant(callerID, key string) string {
	if callerID == "" {
		return key
	}
	return "tenant:" + callerID + ":" + key
}

// TenantPrefix returns the cache prefix owning every key of one tenant.
func TenantPrefix(tenantID string) string {
	return "tenant:" + tenantID + ":"
}
