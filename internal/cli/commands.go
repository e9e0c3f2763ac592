package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/episim-labs/episim-go/internal/app"
	"github.com/episim-labs/episim-go/internal/domain"
	"github.com/episim-labs/episim-go/internal/service/simulations"
)

type bundleFlags struct {
	manifest string
	engine   string
}

func (b *bundleFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&b.manifest, "manifest", "m", "", "bundle manifest (YAML)")
	cmd.Flags().StringVar(&b.engine, "engine", "", "backend engine; overrides the manifest")
	_ = cmd.MarkFlagRequired("manifest")
}

func (b *bundleFlags) load() (domain.InputBundle, domain.Backend, error) {
	m, err := LoadManifest(b.manifest)
	if err != nil {
		return domain.InputBundle{}, "", WrapExitError(ExitUsage, "load manifest", err)
	}
	bundle, err := m.Bundle()
	if err != nil {
		return domain.InputBundle{}, "", err
	}
	engine := m.Engine
	if b.engine != "" {
		engine = b.engine
	}
	if engine == "" {
		return bundle, "", nil
	}
	backend, err := domain.ParseBackend(engine)
	if err != nil {
		return domain.InputBundle{}, "", err
	}
	return bundle, backend, nil
}

func newFingerprintCommand(opts *RootOptions) *cobra.Command {
	flags := &bundleFlags{}
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the cache key of a bundle without touching any store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, backend, err := flags.load()
			if err != nil {
				return err
			}
			fp, backend, err := simulations.Fingerprint(bundle, backend)
			if err != nil {
				return err
			}
			return opts.formatter(cmd).Success(map[string]any{
				"fingerprint": fp.String(),
				"backend":     string(backend),
				"input_size":  humanize.Bytes(uint64(bundle.Size())),
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newRunCommand(opts *RootOptions) *cobra.Command {
	flags := &bundleFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Return the run id for a bundle, simulating only on a cache miss",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, backend, err := flags.load()
			if err != nil {
				return err
			}
			return withApp(opts, cmd, func(a *app.App) error {
				out, err := a.Simulations.GetOrRun(cmd.Context(), bundle, backend)
				if err != nil {
					return err
				}
				return opts.formatter(cmd).Success(map[string]any{
					"run_id":      out.RunID,
					"fingerprint": out.Fingerprint.String(),
					"backend":     string(out.Backend),
					"cache_hit":   out.CacheHit,
				})
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newGetCommand(opts *RootOptions) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "get <run_id>",
		Short: "Write the decoded output of a run to a file or stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(a *app.App) error {
				data, err := a.Simulations.Output(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if outPath == "" {
					_, err := cmd.OutOrStdout().Write(data)
					return err
				}
				if err := os.WriteFile(outPath, data, 0o644); err != nil {
					return WrapExitError(ExitFailure, "write output", err)
				}
				return opts.formatter(cmd).Success(map[string]any{
					"run_id": args[0],
					"path":   outPath,
					"size":   humanize.Bytes(uint64(len(data))),
				})
			})
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "file to write; stdout when empty")
	return cmd
}

func newStatCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <run_id>",
		Short: "Describe a recorded run and its stored output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(a *app.App) error {
				d, err := a.Simulations.Describe(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return opts.formatter(cmd).Success(map[string]any{
					"run_id":          d.Record.RunID,
					"fingerprint":     d.Record.Fingerprint.String(),
					"backend":         string(d.Record.Backend),
					"created_at":      d.Record.CreatedAt.UTC().Format(time.RFC3339),
					"updated_at":      d.Record.UpdatedAt.UTC().Format(time.RFC3339),
					"stored_size":     humanize.Bytes(uint64(d.Output.Size)),
					"params_archived": d.ParamsArchived,
				})
			})
		},
	}
}

func newParamsCommand(opts *RootOptions) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "params <fingerprint>",
		Short: "List or export the archived input bundle of a fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := domain.ParseFingerprint(args[0])
			if err != nil {
				return err
			}
			return withApp(opts, cmd, func(a *app.App) error {
				data, err := a.Simulations.ParameterArchive(cmd.Context(), fp)
				if err != nil {
					return err
				}
				if outPath != "" {
					if err := os.WriteFile(outPath, data, 0o644); err != nil {
						return WrapExitError(ExitFailure, "write archive", err)
					}
					return opts.formatter(cmd).Success(map[string]any{
						"fingerprint": fp.String(),
						"path":        outPath,
						"size":        humanize.Bytes(uint64(len(data))),
					})
				}
				bundle, err := domain.UnpackArchive(data)
				if err != nil {
					return err
				}
				members := make(map[string]any, len(bundle.Artifacts()))
				for _, art := range bundle.Artifacts() {
					members[art.Member.Filename()] = humanize.Bytes(uint64(len(art.Data)))
				}
				return opts.formatter(cmd).Success(members)
			})
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write the tar archive here instead of listing it")
	return cmd
}

func newSweepCommand(opts *RootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove scratch workspaces left behind by crashed runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(a *app.App) error {
				removed, err := a.SweepScratch(olderThan, time.Now())
				if errors.Is(err, app.ErrSweepTooEarly) {
					return WrapExitError(ExitUsage, "sweep", err)
				}
				if err != nil {
					return err
				}
				return opts.formatter(cmd).Success(map[string]any{
					"scratch_dir": a.Config.Runtime.ScratchDir,
					"removed":     len(removed),
				})
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age; 0 uses EPISIM_SCRATCH_STALE_AFTER")
	return cmd
}

func withApp(opts *RootOptions, cmd *cobra.Command, fn func(*app.App) error) (err error) {
	a, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close stores: %w", cerr)
		}
	}()
	return fn(a)
}
