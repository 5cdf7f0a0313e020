package memoryhost

import (
	"testing"

	"github.com/ggoodman/gitlab-mcp-bridge/sessions"
	"github.com/ggoodman/gitlab-mcp-bridge/sessions/sessionhosttest"
)

func TestMemorySessionHost(t *testing.T) {
	sessionhosttest.RunSessionHostTests(t, func(t *testing.T) sessions.Host {
		return New()
	})
}
