package app

import (
	"testing"

	"github.com/stretchr/testify/assert"

	_ "github.com/shopdesk/gate/internal/testing/guard"
)

func TestInTestModeUnderGuard(t *testing.T) {
	assert.True(t, InTestMode())

	t.Setenv(testModeEnv, "0")
	RefreshTestMode()
	assert.False(t, InTestMode())

	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	assert.True(t, InTestMode())
}
