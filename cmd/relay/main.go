package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/npezzotti/studygroup-relay/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "RELAY"

const (
	configKey          = "config"
	addrKey            = "addr"
	dsnKey             = "dsn"
	signingKeyKey      = "signing-key"
	allowedOriginsKey  = "allowed-origins"
	busURLKey          = "bus-url"
	busChannelKey      = "bus-channel"
	storeURLKey        = "store-url"
	storeCredentialKey = "store-credential"
	storeTimeoutKey    = "store-timeout"
	idleTimeoutKey     = "idle-timeout"
	typingTimeoutKey   = "typing-timeout"
	shutdownTimeoutKey = "shutdown-timeout"
)

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:          "relay",
		Short:        "Real-time relay for study group chat, presence, call signaling and notifications",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd, v)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(v)
		},
	}

	f := root.PersistentFlags()
	f.String(configKey, "", "path to a YAML config file")
	f.String(addrKey, "localhost:8000", "server address")
	f.String(dsnKey, "", "database connection string")
	f.String(signingKeyKey, "", "base64 encoded token signing key")
	f.StringSlice(allowedOriginsKey, nil, "comma-separated list of allowed origins")
	f.String(busURLKey, "", "notification bus url (redis:// or amqp://), empty disables notifications")
	f.String(busChannelKey, config.DefaultBusChannel, "notification channel or exchange name")
	f.String(storeURLKey, "", "base url of the message store")
	f.String(storeCredentialKey, "", "bearer credential for the message store")
	f.Duration(storeTimeoutKey, config.DefaultStoreTimeout, "timeout for message store and membership calls")
	f.Duration(idleTimeoutKey, config.DefaultIdleTimeout, "close connections idle for this long")
	f.Duration(typingTimeoutKey, config.DefaultTypingTimeout, "typing indicator expiry")
	f.Duration(shutdownTimeoutKey, config.DefaultShutdownTimeout, "graceful shutdown timeout")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the relay server (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(v)
			},
		},
		newNotifyCmd(v),
	)

	return root
}

// initConfig layers flags over RELAY_* environment variables over the
// optional config file.
func initConfig(cmd *cobra.Command, v *viper.Viper) error {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile := v.GetString(configKey); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	return nil
}

func optionsFromViper(v *viper.Viper) config.Options {
	return config.Options{
		ServerAddr:      v.GetString(addrKey),
		DatabaseDSN:     v.GetString(dsnKey),
		SigningKey:      v.GetString(signingKeyKey),
		AllowedOrigins:  splitList(v.GetStringSlice(allowedOriginsKey)),
		BusURL:          v.GetString(busURLKey),
		BusChannel:      v.GetString(busChannelKey),
		StoreURL:        v.GetString(storeURLKey),
		StoreCredential: v.GetString(storeCredentialKey),
		StoreTimeout:    v.GetDuration(storeTimeoutKey),
		IdleTimeout:     v.GetDuration(idleTimeoutKey),
		TypingTimeout:   v.GetDuration(typingTimeoutKey),
		ShutdownTimeout: v.GetDuration(shutdownTimeoutKey),
	}
}

// splitList flattens comma separated entries, which is how lists arrive from
// the environment.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
