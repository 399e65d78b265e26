package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_splitList(t *testing.T) {
	tcases := []struct {
		in       []string
		expected []string
	}{
		{in: nil, expected: nil},
		{in: []string{"http://a.example"}, expected: []string{"http://a.example"}},
		{in: []string{"http://a.example, http://b.example"}, expected: []string{"http://a.example", "http://b.example"}},
		{in: []string{"http://a.example", "", " ,http://b.example"}, expected: []string{"http://a.example", "http://b.example"}},
	}

	for _, tc := range tcases {
		assert.Equal(t, tc.expected, splitList(tc.in), "unexpected split for %v", tc.in)
	}
}

func Test_initConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		v := viper.New()
		root := newRootCmd(v)
		require.NoError(t, root.ParseFlags(nil))
		require.NoError(t, initConfig(root, v))

		opts := optionsFromViper(v)
		assert.Equal(t, "localhost:8000", opts.ServerAddr)
		assert.Equal(t, "relay.notifications", opts.BusChannel)
		assert.Equal(t, 5*time.Second, opts.StoreTimeout)
		assert.Equal(t, 60*time.Second, opts.IdleTimeout)
		assert.Equal(t, 3*time.Second, opts.TypingTimeout)
		assert.Equal(t, 10*time.Second, opts.ShutdownTimeout)
	})

	t.Run("environment and flags", func(t *testing.T) {
		t.Setenv("RELAY_DSN", "postgres://relay@localhost/studygroups")
		t.Setenv("RELAY_ALLOWED_ORIGINS", "http://a.example,http://b.example")
		t.Setenv("RELAY_STORE_TIMEOUT", "7s")
		t.Setenv("RELAY_ADDR", "0.0.0.0:9000")

		v := viper.New()
		root := newRootCmd(v)
		require.NoError(t, root.ParseFlags([]string{"--addr", "127.0.0.1:9100"}))
		require.NoError(t, initConfig(root, v))

		opts := optionsFromViper(v)
		assert.Equal(t, "127.0.0.1:9100", opts.ServerAddr, "expected flag to win over environment")
		assert.Equal(t, "postgres://relay@localhost/studygroups", opts.DatabaseDSN)
		assert.Equal(t, []string{"http://a.example", "http://b.example"}, opts.AllowedOrigins)
		assert.Equal(t, 7*time.Second, opts.StoreTimeout)
	})

	t.Run("config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "relay.yaml")
		require.NoError(t, os.WriteFile(path, []byte(
			"signing-key: c2VjcmV0\n"+
				"store-url: http://store.internal:8080\n"+
				"bus-url: redis://localhost:6379/0\n"+
				"typing-timeout: 5s\n"), 0o600))

		v := viper.New()
		root := newRootCmd(v)
		require.NoError(t, root.ParseFlags([]string{"--config", path}))
		require.NoError(t, initConfig(root, v))

		opts := optionsFromViper(v)
		assert.Equal(t, "c2VjcmV0", opts.SigningKey)
		assert.Equal(t, "http://store.internal:8080", opts.StoreURL)
		assert.Equal(t, "redis://localhost:6379/0", opts.BusURL)
		assert.Equal(t, 5*time.Second, opts.TypingTimeout)
	})

	t.Run("missing config file", func(t *testing.T) {
		v := viper.New()
		root := newRootCmd(v)
		require.NoError(t, root.ParseFlags([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")}))
		assert.Error(t, initConfig(root, v))
	})
}

func Test_buildNotification(t *testing.T) {
	n, err := buildNotification("42", `{"kind":"report"}`)
	require.NoError(t, err)
	assert.Equal(t, "42", n.RecipientId)
	assert.JSONEq(t, `{"kind":"report"}`, string(n.Payload))

	_, err = buildNotification("", `{}`)
	assert.Error(t, err)

	_, err = buildNotification("42", `{not json`)
	assert.Error(t, err)
}

func TestNotifyCmd_RequiresBus(t *testing.T) {
	v := viper.New()
	root := newRootCmd(v)
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs([]string{"notify", "--user", "42", "--payload", `{"kind":"report"}`})

	err := root.Execute()
	assert.Error(t, err, "expected notify without a bus url to fail")
}
