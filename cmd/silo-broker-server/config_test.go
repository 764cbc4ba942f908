package main

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplicationConfig_AdminAPIOffByDefault(t *testing.T) {
	v := viper.New()
	v.SetConfigFile("application.yaml")
	require.NoError(t, v.ReadInConfig())

	assert.Empty(t, v.GetString("auth.secret"))
	assert.Positive(t, v.GetInt("broker.session_workers"))
	assert.Positive(t, v.GetInt("broker.response_backlog"))
}
