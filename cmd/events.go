/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/hearing-system/apiserver/config"
	"github.com/hearing-system/apiserver/internal/mq"
	"github.com/hearing-system/apiserver/types"
	"github.com/spf13/cobra"
)

// eventsCmd represents the events command.
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Work with consultation lifecycle events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Log consultation events as they are published",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()

		queue, err := mq.Open(cmd.Context(), cfg.MQ)
		if err != nil {
			return err
		}
		defer queue.Close()

		log.Printf("events: tailing %s", queue.Channel())
		err = queue.SubscribeConsultationEvents(cmd.Context(), func(_ context.Context, event types.ConsultationEvent) error {
			log.Printf("events: %s consultation=%s student=%s resolved=%v tags=%s",
				event.Type, event.ConsultationID, event.StudentEmail, event.Resolved, strings.Join(event.Tags, ","))
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd)
}
