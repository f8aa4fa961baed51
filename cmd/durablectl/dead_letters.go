package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/velmie/durable"
)

type deadLetterOutput struct {
	ID               string    `json:"id"`
	MessageType      string    `json:"message_type"`
	Destination      string    `json:"destination"`
	Attempts         int       `json:"attempts"`
	ExceptionType    string    `json:"exception_type"`
	ExceptionMessage string    `json:"exception_message"`
	FailedAt         time.Time `json:"failed_at"`
}

func newDeadLettersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dl"},
		Short:   "Inspect and recover dead letters",
	}
	cmd.AddCommand(newDeadLettersListCmd(a), newDeadLettersReplayCmd(a), newDeadLettersDeleteCmd(a))

	return cmd
}

func newDeadLettersListCmd(a *app) *cobra.Command {
	var query durable.DeadLetterQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			letters, err := store.LoadDeadLetters(cmd.Context(), query)
			if err != nil {
				return err
			}
			out := make([]deadLetterOutput, 0, len(letters))
			for _, dl := range letters {
				out = append(out, deadLetterOutput{
					ID:               dl.Envelope.ID.String(),
					MessageType:      dl.Envelope.MessageType,
					Destination:      dl.Envelope.Destination,
					Attempts:         dl.Envelope.Attempts,
					ExceptionType:    dl.ExceptionType,
					ExceptionMessage: dl.ExceptionMessage,
					FailedAt:         dl.FailedAt,
				})
			}

			return writeJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&query.MessageType, "type", "", "filter by message type")
	cmd.Flags().StringVar(&query.Destination, "destination", "", "filter by destination")
	cmd.Flags().IntVar(&query.Limit, "limit", 100, "maximum number of dead letters (0 lists all)")

	return cmd
}

func newDeadLettersReplayCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <id>...",
		Short: "Move dead letters back to the inbox with zero attempts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.eachDeadLetter(cmd, args, "replayed", func(store durable.DeadLetters, id uuid.UUID) error {
				return store.ReplayDeadLetter(cmd.Context(), id)
			})
		},
	}
}

func newDeadLettersDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete dead letters permanently",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.eachDeadLetter(cmd, args, "deleted", func(store durable.DeadLetters, id uuid.UUID) error {
				return store.DeleteDeadLetter(cmd.Context(), id)
			})
		},
	}
}

func (a *app) eachDeadLetter(cmd *cobra.Command, args []string, verb string, fn func(durable.DeadLetters, uuid.UUID) error) error {
	ids := make([]uuid.UUID, 0, len(args))
	for _, arg := range args {
		id, err := uuid.Parse(arg)
		if err != nil {
			return fmt.Errorf("invalid dead letter id %q: %w", arg, err)
		}
		ids = append(ids, id)
	}

	_, store, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	for _, id := range ids {
		if err := fn(store, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, id)
	}

	return nil
}
