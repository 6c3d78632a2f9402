// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"strings"
	"testing"
)

// SkipIfNoNetwork skips the test if CHATDESK_TEST_SKIP_NETWORK is set.
// Use this for tests that open loopback listeners, which some sandboxed
// environments do not allow.
func SkipIfNoNetwork(t *testing.T) {
	t.Helper()
	if os.Getenv("CHATDESK_TEST_SKIP_NETWORK") != "" {
		t.Skip("skipping network test: CHATDESK_TEST_SKIP_NETWORK is set")
	}
}

// RequireEnv returns the value of name or skips the test when it is unset.
// Integration tests against real postgres or redis instances use it.
func RequireEnv(t *testing.T, name string) string {
	t.Helper()
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		t.Skipf("%s not set", name)
	}
	return value
}
