package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/soaringjerry/Synap360/internal/services"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Open already migrated the database.
			fmt.Fprintf(a.out, "migrations applied to %s\n", a.cfg.DBPath)
			return nil
		},
	}
}

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <fixture.json>",
		Short: "Load configs, users, question sets, mappings, competencies and scores from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fx, err := loadFixture(args[0])
			if err != nil {
				return err
			}
			counts, err := importFixture(cmd.Context(), fx, a.store)
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			return writeJSON(a.out, counts)
		},
	}
}

func newGenerateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "generate <survey-config-id>",
		Short: "Create one survey form per assessee and a tracker per assessor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gen := services.NewGenerator(a.store, a.store, a.cfg.FanoutWorkers)
			forms, err := gen.Generate(cmd.Context(), args[0])
			// forms committed before a failing mapping are still reported
			if len(forms) > 0 {
				if werr := writeJSON(a.out, forms); werr != nil {
					return werr
				}
			}
			return serviceExit(err)
		},
	}
}

func newAggregateCmd(a *app) *cobra.Command {
	var withDigest bool
	cmd := &cobra.Command{
		Use:   "aggregate <survey-form-id>",
		Short: "Print the credential payload of a survey form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := services.NewAggregator(a.store).Aggregate(cmd.Context(), args[0])
			if err != nil {
				return serviceExit(err)
			}
			if !withDigest {
				return writeJSON(a.out, payload)
			}
			digest, err := services.Digest(payload)
			if err != nil {
				return err
			}
			return writeJSON(a.out, struct {
				Payload *services.CredentialPayload `json:"payload"`
				Digest  string                      `json:"digest"`
			}{payload, digest})
		},
	}
	cmd.Flags().BoolVar(&withDigest, "digest", false, "Wrap the payload together with its blake2b digest")
	return cmd
}

func newIssueCmd(a *app) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "issue <survey-form-id>",
		Short: "Aggregate, sign and emit a credential, then record it on the form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			emitter := newFileEmitter(outDir, a.out)
			svc := services.NewCredentialService(a.store, emitter, []byte(a.cfg.CredentialSecret), a.cfg.CredentialIssuer)
			cred, err := svc.Issue(cmd.Context(), args[0])
			if err != nil {
				return serviceExit(err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "issued credential %s for survey form %s\n", cred.CredentialID, cred.SurveyFormID)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "Write each credential to <dir>/<credential-id>.json instead of stdout")
	return cmd
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <token>",
		Short: "Check a credential token's signature and payload digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := services.NewCredentialService(a.store, nil, []byte(a.cfg.CredentialSecret), a.cfg.CredentialIssuer)
			claims, err := svc.VerifyToken(args[0])
			if err != nil {
				return &exitErr{code: 2, err: fmt.Errorf("verify credential: %w", err)}
			}
			return writeJSON(a.out, claims)
		},
	}
}

func newPendingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pending <assessor-id>",
		Short: "Count an assessor's pending trackers in active cycles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := services.NewTrackerService(a.store).PendingCount(cmd.Context(), args[0])
			if err != nil {
				return serviceExit(err)
			}
			fmt.Fprintln(a.out, n)
			return nil
		},
	}
}

func newCompletedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "completed <assessor-id>",
		Short: "Count an assessor's completed trackers in active cycles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := services.NewTrackerService(a.store).CompletedCount(cmd.Context(), args[0])
			if err != nil {
				return serviceExit(err)
			}
			fmt.Fprintln(a.out, n)
			return nil
		},
	}
}

func newParticipantsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "participants <survey-config-id>",
		Short: "List every user taking part in a survey cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := services.NewTrackerService(a.store).ParticipantUserIDs(cmd.Context(), args[0])
			if err != nil {
				return serviceExit(err)
			}
			return writeJSON(a.out, ids)
		},
	}
}

func newLatestScoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "latest-score <user-id>",
		Short: "Print the overall score of the user's latest closed survey",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := services.NewTrackerService(a.store).LatestClosedScore(cmd.Context(), args[0])
			if err != nil {
				return serviceExit(err)
			}
			if score == nil {
				fmt.Fprintln(a.out, "null")
				return nil
			}
			fmt.Fprintln(a.out, strconv.FormatFloat(*score, 'f', -1, 64))
			return nil
		},
	}
}

func newCloseFormCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "close-form <survey-form-id>",
		Short: "Mark a survey form CLOSED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.UpdateSurveyFormStatus(cmd.Context(), args[0], services.SurveyStatusClosed); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "survey form %s closed\n", args[0])
			return nil
		},
	}
}

func newCompleteTrackerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "complete-tracker <tracker-id>",
		Short: "Mark an assessor's response tracker COMPLETED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.UpdateTrackerStatus(cmd.Context(), args[0], services.TrackerStatusCompleted); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "response tracker %s completed\n", args[0])
			return nil
		},
	}
}

func newFormsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "forms <survey-config-id>",
		Short: "List the survey forms generated for a survey cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			forms, err := services.NewTrackerService(a.store).FormsByConfig(cmd.Context(), args[0])
			if err != nil {
				return serviceExit(err)
			}
			return writeJSON(a.out, forms)
		},
	}
}

func newTrackersCmd(a *app) *cobra.Command {
	var assessee string
	cmd := &cobra.Command{
		Use:   "trackers [survey-form-id]",
		Short: "List the response trackers of a survey form, or of an assessee with --assessee",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := services.NewTrackerService(a.store)
			var (
				trackers []*services.ResponseTracker
				err      error
			)
			switch {
			case assessee != "" && len(args) == 0:
				trackers, err = svc.TrackersByAssessee(cmd.Context(), assessee)
			case assessee == "" && len(args) == 1:
				trackers, err = svc.TrackersByForm(cmd.Context(), args[0])
			default:
				return &exitErr{code: 2, err: fmt.Errorf("pass either a survey form id or --assessee")}
			}
			if err != nil {
				return serviceExit(err)
			}
			return writeJSON(a.out, trackers)
		},
	}
	cmd.Flags().StringVar(&assessee, "assessee", "", "List every tracker assessing this user instead")
	return cmd
}

func newResponsesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "responses <user-id>",
		Short: "Show who is assessing a user on their latest survey form in an active cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			responses, err := services.NewTrackerService(a.store).LatestResponses(cmd.Context(), args[0])
			if err != nil {
				return serviceExit(err)
			}
			return writeJSON(a.out, responses)
		},
	}
}
