package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"milestonepay/internal/config"
	pkgconfig "milestonepay/pkg/config"
)

func TestNew_ReturnsErrorWhenDatabaseUnreachable(t *testing.T) {
	cfg := &config.Config{
		DB: pkgconfig.DBConfig{Host: "127.0.0.1", Port: 1, User: "u", Password: "p", Name: "ledger"},
	}

	var (
		a   *App
		err error
	)
	require.NotPanics(t, func() {
		a, err = New(context.Background(), cfg, zap.NewNop())
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init db")
	assert.Nil(t, a)
}

func TestClose_RunsClosersInReverseOrder(t *testing.T) {
	var order []string
	a := &App{}
	a.closers = append(a.closers,
		func() { order = append(order, "db") },
		func() { order = append(order, "redis") },
		func() { order = append(order, "mq") },
	)

	a.Close()
	a.Close()

	assert.Equal(t, []string{"mq", "redis", "db"}, order)
}
