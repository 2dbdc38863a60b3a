package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	owner      string
	debug      bool
}

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	opts := &rootOptions{}
	var showVersion bool

	root := &cobra.Command{
		Use:   appName,
		Short: "Privacy-aware multi-agent memory pipeline for chat sessions",
		Long: strings.TrimSpace(`dotmemory augments chat sessions with long-term memory scoped to profiles.

Each turn runs a privacy check, memory retrieval, response generation, memory
extraction and periodic conversation analysis. Sessions run in normal,
incognito or pause_memory mode.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath(), "Path to the config file")
	root.PersistentFlags().StringVar(&opts.owner, "owner", "local", "Owner id the profiles and sessions belong to")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newChatCommand(opts))
	root.AddCommand(newProfilesCommand(opts))
	root.AddCommand(newMemoriesCommand(opts))
	root.AddCommand(newSessionsCommand(opts))
	root.AddCommand(newSweepCommand(opts))
	root.AddCommand(newVersionCommand())

	return root
}

// withApp opens the stores for the duration of fn.
func withApp(opts *rootOptions, fn func(a *app) error) error {
	a, err := openApp(opts.configPath, opts.debug)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  dotmemory version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}

func newProfilesCommand(opts *rootOptions) *cobra.Command {
	profilesRoot := &cobra.Command{
		Use:   "profiles",
		Short: "Manage memory profiles",
		Long:  "Profiles are isolated memory spaces. Exactly one profile per owner is the default.",
	}

	profilesRoot.AddCommand(&cobra.Command{
		Use:     "list",
		Short:   "List profiles",
		Example: "  dotmemory profiles list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				ctx := cmd.Context()
				if _, err := a.profiles.EnsureDefault(ctx, opts.owner); err != nil {
					return err
				}
				profiles, err := a.profiles.List(ctx, opts.owner)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tDEFAULT\tDESCRIPTION")
				for _, p := range profiles {
					def := ""
					if p.IsDefault {
						def = "*"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.Name, def, p.Description)
				}
				return tw.Flush()
			})
		},
	})

	var (
		description string
		tone        string
		verbosity   string
		makeDefault bool
	)
	create := &cobra.Command{
		Use:     "create <name>",
		Short:   "Create a profile",
		Example: "  dotmemory profiles create Work --tone professional --verbosity concise",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				ctx := cmd.Context()
				personality := memory.DefaultPersonality()
				if tone != "" {
					personality.Tone = tone
				}
				if verbosity != "" {
					personality.Verbosity = verbosity
				}
				p, err := a.profiles.Create(ctx, memory.Profile{
					OwnerID:     opts.owner,
					Name:        args[0],
					Description: description,
					Personality: personality,
				})
				if err != nil {
					return err
				}
				if makeDefault {
					if err := a.profiles.SetDefault(ctx, opts.owner, p.ID); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created profile %s (%s)\n", p.Name, p.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&description, "description", "", "Profile description")
	create.Flags().StringVar(&tone, "tone", "", "Reply tone: professional, casual, friendly or formal")
	create.Flags().StringVar(&verbosity, "verbosity", "", "Reply length: concise, balanced or detailed")
	create.Flags().BoolVar(&makeDefault, "default", false, "Make the new profile the default")
	profilesRoot.AddCommand(create)

	profilesRoot.AddCommand(&cobra.Command{
		Use:     "default <profile>",
		Short:   "Make a profile the default",
		Example: "  dotmemory profiles default Work",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				p, err := a.profiles.Resolve(cmd.Context(), opts.owner, args[0])
				if err != nil {
					return fmt.Errorf("profile %q: %w", args[0], err)
				}
				if err := a.profiles.SetDefault(cmd.Context(), opts.owner, p.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Default profile is now %s\n", p.Name)
				return nil
			})
		},
	})

	profilesRoot.AddCommand(&cobra.Command{
		Use:     "delete <profile>",
		Short:   "Delete a profile and all of its memories",
		Example: "  dotmemory profiles delete Work",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				p, err := a.profiles.Resolve(cmd.Context(), opts.owner, args[0])
				if err != nil {
					return fmt.Errorf("profile %q: %w", args[0], err)
				}
				if err := a.profiles.Delete(cmd.Context(), opts.owner, p.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted profile %s\n", p.Name)
				return nil
			})
		},
	})

	return profilesRoot
}

func newMemoriesCommand(opts *rootOptions) *cobra.Command {
	var (
		profile string
		limit   int
	)
	memoriesRoot := &cobra.Command{
		Use:   "memories",
		Short: "Inspect stored memories",
	}
	memoriesRoot.PersistentFlags().StringVarP(&profile, "profile", "p", "", "Profile id or name (default profile when empty)")

	list := &cobra.Command{
		Use:     "list",
		Short:   "List memories of a profile, most recently updated first",
		Example: "  dotmemory memories list --profile Work --limit 20",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				p, err := a.profiles.Resolve(cmd.Context(), opts.owner, profile)
				if err != nil {
					return fmt.Errorf("profile %q: %w", profile, err)
				}
				items, err := a.store.ListMemories(cmd.Context(), p.ID, limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TYPE\tIMPORTANCE\tMENTIONS\tCONTENT\tTAGS")
				for _, m := range items {
					fmt.Fprintf(tw, "%s\t%.2f\t%d\t%s\t%s\n", m.Type, m.Importance, m.MentionedCount, m.Content, strings.Join(m.Tags, ","))
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum memories to show")
	memoriesRoot.AddCommand(list)

	memoriesRoot.AddCommand(&cobra.Command{
		Use:     "stats",
		Short:   "Summarize the memories of a profile",
		Example: "  dotmemory memories stats --profile Work",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				p, err := a.profiles.Resolve(cmd.Context(), opts.owner, profile)
				if err != nil {
					return fmt.Errorf("profile %q: %w", profile, err)
				}
				stats, err := a.store.MemoryStats(cmd.Context(), p.ID)
				if err != nil {
					return err
				}
				printStats(cmd, p, stats)
				return nil
			})
		},
	})

	return memoriesRoot
}

func printStats(cmd *cobra.Command, p memory.Profile, stats memory.Stats) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Profile: %s\n", p.Name)
	fmt.Fprintf(out, "Memories: %d\n", stats.Total)
	if stats.Total == 0 {
		return
	}
	fmt.Fprintf(out, "Average importance: %.2f\n", stats.AvgImportance)
	fmt.Fprintf(out, "Total mentions: %d\n", stats.TotalMentions)

	types := make([]string, 0, len(stats.ByType))
	for t := range stats.ByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(out, "  %s: %d\n", t, stats.ByType[memory.MemoryType(t)])
	}
	fmt.Fprintf(out, "Oldest: %s\n", stats.OldestMemoryAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(out, "Newest: %s\n", stats.NewestMemoryAt.Format("2006-01-02 15:04"))
}

func newSessionsCommand(opts *rootOptions) *cobra.Command {
	sessionsRoot := &cobra.Command{
		Use:   "sessions",
		Short: "List or delete chat sessions",
	}

	var limit int
	list := &cobra.Command{
		Use:     "list",
		Short:   "List sessions, most recently active first",
		Example: "  dotmemory sessions list --limit 5",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				sessions, err := a.store.ListSessions(cmd.Context(), opts.owner, limit)
				if err != nil {
					return err
				}
				names := map[string]string{}
				if profiles, err := a.profiles.List(cmd.Context(), opts.owner); err == nil {
					for _, p := range profiles {
						names[p.ID] = p.Name
					}
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tPROFILE\tMODE\tUPDATED")
				for _, sess := range sessions {
					profile := names[sess.ProfileID]
					if profile == "" {
						profile = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", sess.ID, profile, sess.PrivacyMode, sess.UpdatedAt.Format("2006-01-02 15:04"))
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum sessions to show")
	sessionsRoot.AddCommand(list)

	sessionsRoot.AddCommand(&cobra.Command{
		Use:     "delete <session-id>",
		Short:   "Delete a session and its messages",
		Example: "  dotmemory sessions delete 6f1c0c1e-2f7a-4f55-9f0e-1d2a3b4c5d6e",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				if err := a.store.DeleteSession(cmd.Context(), opts.owner, args[0]); err != nil {
					return fmt.Errorf("session %q: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
				return nil
			})
		},
	})

	return sessionsRoot
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	var profile string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Merge near-duplicate memories now",
		Long:  "Run the dedup pass the background sweeper performs on its cron schedule, for one profile or all of them.",
		Example: strings.Join([]string{
			"  dotmemory sweep",
			"  dotmemory sweep --profile Work",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				s, err := a.sweeper()
				if err != nil {
					return err
				}
				ctx := cmd.Context()
				var res memory.SweepResult
				if profile == "" {
					res, err = s.SweepAll(ctx)
				} else {
					p, rerr := a.profiles.Resolve(ctx, opts.owner, profile)
					if rerr != nil {
						return fmt.Errorf("profile %q: %w", profile, rerr)
					}
					res, err = s.SweepProfile(ctx, p.ID)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Merged %d duplicate memories\n", res.Merged)
				if n := len(res.Conflicts); n > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "Kept %d pair(s) of contradicting memories\n", n)
				}
				if next, nerr := s.NextRun(time.Now()); nerr == nil && a.cfg.Memory.SweepEnabled {
					fmt.Fprintf(cmd.OutOrStdout(), "Next scheduled sweep: %s\n", next.Format("2006-01-02 15:04"))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&profile, "profile", "p", "", "Profile id or name (all profiles when empty)")
	return cmd
}
