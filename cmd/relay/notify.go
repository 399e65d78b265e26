package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/studygroup-relay/internal/bus"
	"github.com/npezzotti/studygroup-relay/internal/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const publishTimeout = 10 * time.Second

// newNotifyCmd publishes a single notification on the bus, the same way the
// origin application does.
func newNotifyCmd(v *viper.Viper) *cobra.Command {
	var (
		userId  string
		payload string
	)

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Publish a notification for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := buildNotification(userId, payload)
			if err != nil {
				return err
			}

			pub, err := bus.NewPublisher(v.GetString(busURLKey), v.GetString(busChannelKey))
			if err != nil {
				return err
			}
			defer pub.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), publishTimeout)
			defer cancel()

			if err := pub.Publish(ctx, n); err != nil {
				return fmt.Errorf("publish: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "notification published for user %s\n", userId)
			return nil
		},
	}

	cmd.Flags().StringVar(&userId, "user", "", "recipient user id")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload")
	cmd.MarkFlagRequired("user")

	return cmd
}

func buildNotification(userId, payload string) (types.Notification, error) {
	if userId == "" {
		return types.Notification{}, errors.New("recipient user id is required")
	}
	if !json.Valid([]byte(payload)) {
		return types.Notification{}, fmt.Errorf("payload is not valid JSON: %q", payload)
	}

	return types.Notification{
		RecipientId: userId,
		Payload:     json.RawMessage(payload),
	}, nil
}
