package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var (
		showVersion bool
		debug       bool
	)

	root := &cobra.Command{
		Use:   "dotpersona",
		Short: "Persona consistency engine with blueprint builds, drift checks, and a chat gateway",
		Long: strings.TrimSpace(`dotpersona keeps AI personas consistent across conversations.

Use CLI commands to onboard, build persona blueprints from extracted patterns,
inspect detection and drift, chat locally, and run the HTTP/Discord gateway.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				logger.SetLevel(logger.DEBUG)
			}
		},
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
	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newGatewayCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newBlueprintCommand())
	root.AddCommand(newDetectCommand())
	root.AddCommand(newDriftCommand())
	root.AddCommand(newLedgerCommand())
	root.AddCommand(newTranscriptCommand())
	root.AddCommand(newRulesCommand())
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

func newOnboardCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "onboard",
		Short:   "Initialize ~/.dotpersona config and baseline directory",
		Long:    "Create the default configuration file and baseline profile directory for a new dotpersona installation.",
		Example: "  dotpersona onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard(cmd.OutOrStdout(), cmd.InOrStdin(), force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config without asking")
	return cmd
}

func newChatCommand() *cobra.Command {
	var (
		message string
		session string
		subject string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the locked persona locally (CLI mode)",
		Long: strings.TrimSpace(`Run an interactive local session or send one-shot messages through the full
persona pipeline. Slash commands such as /persona, /switch and /release are
handled before generation.`),
		Example: strings.Join([]string{
			"  dotpersona chat",
			"  dotpersona chat --session cli:evening --subject devon",
			"  dotpersona chat --message \"/switch nova 001\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return chatCmd(cmd.OutOrStdout(), strings.TrimSpace(message), session, subject)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message to send")
	cmd.Flags().StringVarP(&session, "session", "s", "cli:default", "Session key the context lock is held under")
	cmd.Flags().StringVar(&subject, "subject", "", "Subject id used for detection (defaults to the session key)")
	return cmd
}

func newGatewayCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "gateway",
		Short:   "Run the HTTP gateway and enabled chat channels",
		Long:    "Start the turn API, the channel adapters, the rules watcher and the detection cache sweeper.",
		Example: "  dotpersona gateway --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			return gatewayCmd(cmd.OutOrStdout())
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration, store, and provider readiness",
		Example: "  dotpersona status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return statusCmd(cmd.OutOrStdout())
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  dotpersona version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}

func newBlueprintCommand() *cobra.Command {
	bpRoot := &cobra.Command{
		Use:   "blueprint",
		Short: "Build and inspect persona blueprints",
		Long:  "Merge extracted pattern sets into versioned persona blueprints and inspect stored revisions.",
	}

	var (
		construct string
		callsign  string
		baseline  string
		noBase    bool
	)
	build := &cobra.Command{
		Use:   "build <patterns.json>...",
		Short: "Build a new blueprint revision from pattern set files",
		Long: strings.TrimSpace(`Each file holds one pattern set or a JSON array of them. Sets extracted
from other constructs still contribute, at reduced weight. The baseline profile
defaults to <baseline_dir>/<construct>.json when that file exists.`),
		Example: strings.Join([]string{
			"  dotpersona blueprint build --construct nova --callsign 001 sessions/*.json",
			"  dotpersona blueprint build --construct nova --callsign 001 --baseline nova.json patterns.json",
		}, "\n"),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return blueprintBuildCmd(cmd.Context(), cmd.OutOrStdout(), blueprintBuildOptions{
				ConstructID: construct,
				Callsign:    callsign,
				Files:       args,
				Baseline:    baseline,
				NoBaseline:  noBase,
			})
		},
	}
	build.Flags().StringVar(&construct, "construct", "", "Construct id to build for")
	build.Flags().StringVar(&callsign, "callsign", "", "Construct callsign")
	build.Flags().StringVar(&baseline, "baseline", "", "Baseline profile JSON to merge")
	build.Flags().BoolVar(&noBase, "no-baseline", false, "Skip the baseline profile even if one exists")
	_ = build.MarkFlagRequired("construct")

	var revision int64
	show := &cobra.Command{
		Use:     "show <construct> [callsign]",
		Short:   "Print a stored blueprint as JSON",
		Example: "  dotpersona blueprint show nova 001 --revision 2",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return blueprintShowCmd(cmd.Context(), cmd.OutOrStdout(), args[0], optionalArg(args, 1), revision)
		},
	}
	show.Flags().Int64Var(&revision, "revision", 0, "Revision to show (default latest)")

	var limit int
	history := &cobra.Command{
		Use:     "history <construct> [callsign]",
		Short:   "List stored blueprint revisions, newest first",
		Example: "  dotpersona blueprint history nova 001",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return blueprintHistoryCmd(cmd.Context(), cmd.OutOrStdout(), args[0], optionalArg(args, 1), limit)
		},
	}
	history.Flags().IntVar(&limit, "limit", 20, "Maximum revisions to list")

	bpRoot.AddCommand(build, show, history)
	return bpRoot
}

func newDetectCommand() *cobra.Command {
	var subject, thread string
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Show which persona dominates a subject's context",
		Long:  "Scan the active thread, recent threads, transcript archive and continuity ledger and print the fused signal.",
		Example: strings.Join([]string{
			"  dotpersona detect --subject discord:42",
			"  dotpersona detect --subject discord:42 --thread discord:chan-1",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return detectCmd(cmd.Context(), cmd.OutOrStdout(), subject, thread)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Subject id to detect for")
	cmd.Flags().StringVar(&thread, "thread", "", "Active thread id")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newDriftCommand() *cobra.Command {
	driftRoot := &cobra.Command{
		Use:   "drift",
		Short: "Check replies for persona drift and list recorded drift",
	}

	var (
		construct string
		callsign  string
		user      string
	)
	check := &cobra.Command{
		Use:   "check <reply>",
		Short: "Run the offline drift checks against a reply",
		Long:  "Compare a candidate reply with the construct's latest blueprint. The generator-backed worldview check is skipped.",
		Example: strings.Join([]string{
			"  dotpersona drift check --construct nova --callsign 001 \"As an AI language model, I cannot...\"",
		}, "\n"),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return driftCheckCmd(cmd.Context(), cmd.OutOrStdout(), construct, callsign, user, args[0])
		},
	}
	check.Flags().StringVar(&construct, "construct", "", "Construct id whose blueprint to compare against")
	check.Flags().StringVar(&callsign, "callsign", "", "Construct callsign")
	check.Flags().StringVar(&user, "user", "", "The user message the reply answers")
	_ = check.MarkFlagRequired("construct")

	var limit int
	history := &cobra.Command{
		Use:     "history [construct-key]",
		Short:   "List recorded drift detections, newest first",
		Example: "  dotpersona drift history nova-001 --limit 10",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return driftHistoryCmd(cmd.Context(), cmd.OutOrStdout(), optionalArg(args, 0), limit)
		},
	}
	history.Flags().IntVar(&limit, "limit", 20, "Maximum records to list")

	driftRoot.AddCommand(check, history)
	return driftRoot
}

func newLedgerCommand() *cobra.Command {
	ledgerRoot := &cobra.Command{
		Use:   "ledger",
		Short: "Manage continuity ledger entries used by detection",
	}

	var opts ledgerAddOptions
	add := &cobra.Command{
		Use:   "add <text>",
		Short: "Record a continuity note or relationship anchor",
		Example: strings.Join([]string{
			"  dotpersona ledger add --subject discord:42 --construct nova --callsign 001 \"Promised to finish the lighthouse story\"",
			"  dotpersona ledger add --subject discord:42 --kind anchor --significance 0.9 \"Nova calls Devon 'captain'\"",
		}, "\n"),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Text = args[0]
			return ledgerAddCmd(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	add.Flags().StringVar(&opts.SubjectID, "subject", "", "Subject id the entry belongs to")
	add.Flags().StringVar(&opts.ConstructID, "construct", "", "Construct the entry is attributed to")
	add.Flags().StringVar(&opts.Callsign, "callsign", "", "Construct callsign")
	add.Flags().StringVar(&opts.Kind, "kind", "continuity", "Entry kind: continuity or anchor")
	add.Flags().Float64Var(&opts.Significance, "significance", 0.5, "Significance in [0,1]")
	_ = add.MarkFlagRequired("subject")

	var limit int
	list := &cobra.Command{
		Use:     "list <subject>",
		Short:   "List a subject's ledger entries, newest first",
		Example: "  dotpersona ledger list discord:42",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ledgerListCmd(cmd.Context(), cmd.OutOrStdout(), args[0], limit)
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum entries to list")

	ledgerRoot.AddCommand(add, list)
	return ledgerRoot
}

func newTranscriptCommand() *cobra.Command {
	transcriptRoot := &cobra.Command{
		Use:   "transcript",
		Short: "Manage the archived transcript index used by detection",
	}

	var opts transcriptAddOptions
	add := &cobra.Command{
		Use:     "add <id>",
		Short:   "Record or update an archived transcript attributed to a construct",
		Example: "  dotpersona transcript add 2026-03-14-harbor --subject discord:42 --construct nova --callsign 001 --messages 84",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			return transcriptAddCmd(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	add.Flags().StringVar(&opts.SubjectID, "subject", "", "Subject id the transcript belongs to")
	add.Flags().StringVar(&opts.ConstructID, "construct", "", "Construct the transcript is attributed to")
	add.Flags().StringVar(&opts.Callsign, "callsign", "", "Construct callsign")
	add.Flags().IntVar(&opts.Messages, "messages", 0, "Number of messages in the transcript")
	_ = add.MarkFlagRequired("subject")
	_ = add.MarkFlagRequired("construct")

	transcriptRoot.AddCommand(add)
	return transcriptRoot
}

func newRulesCommand() *cobra.Command {
	rulesRoot := &cobra.Command{
		Use:   "rules",
		Short: "Inspect the heuristic rule tables",
	}
	rulesRoot.AddCommand(&cobra.Command{
		Use:   "check [rules.yaml]",
		Short: "Validate a rules file and summarize the merged tables",
		Long:  "Load the given rules file (or lockdown.rules_path, or the built-in defaults) and print table sizes.",
		Example: strings.Join([]string{
			"  dotpersona rules check",
			"  dotpersona rules check ~/.dotpersona/rules.yaml",
		}, "\n"),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rulesCheckCmd(cmd.OutOrStdout(), optionalArg(args, 0))
		},
	})
	return rulesRoot
}

func optionalArg(args []string, i int) string {
	if i < len(args) {
		return strings.TrimSpace(args[i])
	}
	return ""
}
