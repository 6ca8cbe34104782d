package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pii-engine/internal/engine"
	"pii-engine/internal/logger"
	"pii-engine/internal/server"
	"pii-engine/internal/template"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			if addr != "" {
				rt.cfg.ListenAddr = addr
			}
			printBanner(rt.cfg)

			srv := server.New(rt.engine, server.Options{
				Token:    rt.cfg.APIToken,
				RPM:      rt.cfg.RateLimit.RPM,
				Burst:    rt.cfg.RateLimit.Burst,
				FileRoot: rt.cfg.Batch.Root,
				Logger:   logger.New("server", rt.cfg.LogLevel),
			})
			return srv.ListenAndServe(cmd.Context(), rt.cfg.ListenAddr)
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "", "listen address (overrides listen_addr)")
	return cmd
}

type processFlags struct {
	action       string
	templateID   string
	templateName string
	required     bool
	save         bool
	asJSON       bool
}

func newProcessCmd() *cobra.Command {
	var f processFlags
	cmd := &cobra.Command{
		Use:   "process [files...]",
		Short: "Process files, or stdin when no files are given",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			if len(args) == 0 {
				return processStdin(cmd, rt.engine, f)
			}
			return processFiles(cmd, rt.engine, f, args)
		},
	}
	cmd.Flags().StringVarP(&f.action, "action", "a", "anonymize", "anonymize, redact, tokenize or ignore")
	cmd.Flags().StringVar(&f.templateID, "template-id", "", "template to load mappings from")
	cmd.Flags().StringVar(&f.templateName, "template-name", "", "template name to load or save under")
	cmd.Flags().BoolVar(&f.required, "template-required", false, "fail when the template does not exist")
	cmd.Flags().BoolVar(&f.save, "save", false, "save mappings into the template")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func processStdin(cmd *cobra.Command, eng *engine.Engine, f processFlags) error {
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	res, err := eng.ProcessText(cmd.Context(), engine.TextRequest{
		Text:             string(data),
		Action:           f.action,
		TemplateID:       f.templateID,
		TemplateName:     f.templateName,
		TemplateRequired: f.required,
		SaveTemplate:     f.save,
	})
	if err != nil {
		return err
	}
	if f.asJSON {
		return printJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprint(cmd.OutOrStdout(), res.Text)
	if res.TemplateID != "" && f.save {
		fmt.Fprintf(cmd.ErrOrStderr(), "template: %s\n", res.TemplateID)
	}
	return nil
}

func processFiles(cmd *cobra.Command, eng *engine.Engine, f processFlags, files []string) error {
	batch, err := eng.ProcessFiles(cmd.Context(), engine.FilesRequest{
		Files:            files,
		Action:           f.action,
		TemplateID:       f.templateID,
		TemplateName:     f.templateName,
		TemplateRequired: f.required,
		SaveTemplate:     f.save,
	})
	if err != nil {
		return err
	}
	if f.asJSON {
		return printJSON(cmd.OutOrStdout(), batch)
	}
	failed := 0
	for _, fr := range batch.Files {
		if fr.Failed() {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", fr.File, fr.Error)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "==> %s (%d entities)\n%s\n", fr.File, len(fr.Items), fr.Text)
	}
	if batch.TemplateID != "" && f.save {
		fmt.Fprintf(cmd.ErrOrStderr(), "template: %s\n", batch.TemplateID)
	}
	if failed == len(batch.Files) {
		return errors.New("no file could be processed")
	}
	return nil
}

func newTemplatesCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "templates [id]",
		Short: "List stored templates, or print one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				// Try the argument as an id, then as a name.
				t, err := rt.engine.Template(cmd.Context(), template.Ref{ID: args[0]})
				if errors.Is(err, template.ErrNotFound) {
					t, err = rt.engine.Template(cmd.Context(), template.Ref{Name: args[0]})
				}
				if err != nil {
					return err
				}
				return printJSON(out, t)
			}
			ts, err := rt.engine.Templates(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(out, ts)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tVERSION\tENTRIES\tUPDATED")
			for _, t := range ts {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", t.ID, t.Name, t.Version, len(t.Entries), t.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
