package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AvaProtocol/ap-bundler/core/testutil"
)

func TestEnsureLogger(t *testing.T) {
	assert.NotNil(t, EnsureLogger(nil))
	assert.NotPanics(t, func() {
		Component(nil, "walletpool").Info("dropped", "key", "value")
	})

	log := testutil.GetLogger()
	assert.Same(t, log, EnsureLogger(log))
}
