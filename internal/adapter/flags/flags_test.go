package flags_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyang/delegate-broker/internal/adapter/flags"
	portflags "github.com/alanyang/delegate-broker/internal/port/flags"
)

func TestStatic_AccountOverridesGlobal(t *testing.T) {
	f := flags.NewStatic(
		map[string]bool{portflags.LogStreaming: true},
		map[string]map[string]bool{"acct": {portflags.LogStreaming: false, portflags.RevalidateWhitelisted: true}},
	)
	ctx := context.Background()

	assert.True(t, f.Enabled(ctx, "other", portflags.LogStreaming))
	assert.False(t, f.Enabled(ctx, "acct", portflags.LogStreaming))
	assert.True(t, f.Enabled(ctx, "acct", portflags.RevalidateWhitelisted))
	assert.False(t, f.Enabled(ctx, "other", portflags.CDNDownloads))
}
