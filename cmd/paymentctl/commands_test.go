package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milestonepay/internal/config"
	pkgconfig "milestonepay/pkg/config"
	"milestonepay/pkg/util"
)

func testCLI(out *bytes.Buffer) *cli {
	return &cli{
		loadConfig: func() (*config.Config, error) {
			return &config.Config{JWT: pkgconfig.JWTConfig{Secret: "cli-secret", TTL: time.Hour}}, nil
		},
		out: out,
	}
}

func run(t *testing.T, c *cli, args ...string) error {
	t.Helper()
	root := newRootCmd(c)
	root.SetArgs(args)
	return root.Execute()
}

func TestTokenCommand(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(t, testCLI(&out), "token", "--user", "u-42", "--role", "expert"))

	claims, err := util.ParseJWT(strings.TrimSpace(out.String()), "cli-secret")
	require.NoError(t, err)
	assert.Equal(t, "u-42", claims.UserID)
	assert.Equal(t, "expert", claims.Role)
}

func TestTokenCommand_Validation(t *testing.T) {
	var out bytes.Buffer
	c := testCLI(&out)

	assert.Error(t, run(t, c, "token"))
	assert.Error(t, run(t, c, "token", "--user", "u1", "--role", "superuser"))

	c.loadConfig = func() (*config.Config, error) { return nil, errors.New("no config dir") }
	err := run(t, c, "token", "--user", "u1")
	assert.ErrorContains(t, err, "load config")
}

func TestOutboxReplay_RequiresID(t *testing.T) {
	var out bytes.Buffer
	err := run(t, testCLI(&out), "outbox", "replay")
	assert.ErrorContains(t, err, "--id")
}
