package main

import (
	"time"

	"github.com/spf13/cobra"
)

type nodeOutput struct {
	Number      int       `json:"number"`
	ID          string    `json:"id"`
	ServiceName string    `json:"service_name"`
	StartedAt   time.Time `json:"started_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	Duties      []string  `json:"duties"`
}

type assignmentOutput struct {
	Duty       string    `json:"duty"`
	NodeNumber int       `json:"node_number"`
	ExpiresAt  time.Time `json:"expires_at"`
	Expired    bool      `json:"expired"`
}

func newNodesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Inspect registered nodes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List nodes with their duties",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			nodes, err := store.LoadNodes(cmd.Context())
			if err != nil {
				return err
			}
			out := make([]nodeOutput, 0, len(nodes))
			for _, n := range nodes {
				duties := n.Duties
				if duties == nil {
					duties = []string{}
				}
				out = append(out, nodeOutput{
					Number:      n.Number,
					ID:          n.ID.String(),
					ServiceName: n.ServiceName,
					StartedAt:   n.StartedAt,
					HeartbeatAt: n.HeartbeatAt,
					Duties:      duties,
				})
			}

			return writeJSON(cmd, out)
		},
	})

	return cmd
}

func newDutiesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "duties",
		Short: "Inspect duty assignments",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List duty leases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			assignments, err := store.LoadAssignments(cmd.Context())
			if err != nil {
				return err
			}
			now := time.Now()
			out := make([]assignmentOutput, 0, len(assignments))
			for _, as := range assignments {
				out = append(out, assignmentOutput{
					Duty:       as.Duty,
					NodeNumber: as.NodeNumber,
					ExpiresAt:  as.ExpiresAt,
					Expired:    !as.ExpiresAt.After(now),
				})
			}

			return writeJSON(cmd, out)
		},
	})

	return cmd
}
