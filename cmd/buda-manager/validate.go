package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/spachava753/buda/internal/dataset"
	"github.com/spachava753/buda/internal/docstore"
	"github.com/spachava753/buda/internal/models"
	"github.com/spachava753/buda/internal/orchestrator"
	"github.com/spachava753/buda/internal/schema"
)

var errInvalidDatasets = errors.New("invalid dataset definitions")

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file|dir|url>",
		Short: "Check dataset definitions against the schemas and print their ids.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Flags())
			if err != nil {
				return err
			}
			schemas, err := schema.New(cfg.Schemas)
			if err != nil {
				return fmt.Errorf("loading schemas: %w", err)
			}
			sources, err := dataset.NewLoader().Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return validate(cmd.OutOrStdout(), schemas, sources, docstore.WorkerStorage(cfg.Storage))
		},
	}
}

func newIDCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "id <file>",
		Short: "Print the id a dataset definition registers under.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Flags())
			if err != nil {
				return err
			}
			schemas, err := schema.New(cfg.Schemas)
			if err != nil {
				return fmt.Errorf("loading schemas: %w", err)
			}
			doc, err := dataset.ReadFile(args[0])
			if err != nil {
				return err
			}
			rec, err := orchestrator.Admit(schemas, doc, time.Now(), cfg.Storage)
			if err != nil {
				return describe(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), rec.Extras.ID)
			return nil
		},
	}
}

// validate admits every source without side effects and reports one line
// per definition.
func validate(w io.Writer, v orchestrator.Validator, sources []dataset.Source, storageHost string) error {
	failed := 0
	for _, src := range sources {
		rec, err := orchestrator.Admit(v, src.JSON, time.Now(), storageHost)
		if err != nil {
			failed++
			fmt.Fprintf(w, "%s: %v\n", src.Origin, describe(err))
			continue
		}
		fmt.Fprintf(w, "%s: ok %s\n", src.Origin, rec.Extras.ID)
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", errInvalidDatasets, failed, len(sources))
	}
	return nil
}

// describe flattens an admission error and its details into one message.
func describe(err error) error {
	var apiErr *models.APIError
	if !errors.As(err, &apiErr) || len(apiErr.Details) == 0 {
		return err
	}
	msg := string(apiErr.Code)
	for _, d := range apiErr.Details {
		if d.Field != "" {
			msg += fmt.Sprintf("; %s: %s", d.Field, d.Message)
		} else {
			msg += "; " + d.Message
		}
	}
	return errors.New(msg)
}
