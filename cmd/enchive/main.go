// Package main provides the enchive command-line entry point.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/enchive-go/enchive/internal/config"
	"github.com/enchive-go/enchive/internal/entropy"
	"github.com/enchive-go/enchive/internal/kdf"
	"github.com/enchive-go/enchive/internal/logging"
	"github.com/enchive-go/enchive/internal/orchestrator"
	"github.com/enchive-go/enchive/internal/passphrase"
	"github.com/enchive-go/enchive/internal/sysinfo"
)

// defaultAgentSeconds is the idle timeout used when --agent is given with
// no explicit value.
const defaultAgentSeconds = 30

var (
	flagPubKey    string
	flagSecKey    string
	flagAgent     string
	flagNoAgent   bool
	flagLogLevel  string
	flagLogFormat string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "enchive",
		Short:   "Personal archival encryption",
		Version: sysinfo.Version,
		Long: `enchive encrypts files to a long-lived public key and decrypts them
with the paired, passphrase-protected secret key. A companion key agent
caches the unwrapped passphrase for the duration of a session so repeated
extracts don't re-prompt.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing command, see --help")
			}
			return fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flagPubKey, "pubkey", "p", "", "path to the public-key file (default: $XDG_CONFIG_HOME/enchive/enchive.pub)")
	rootCmd.PersistentFlags().StringVarP(&flagSecKey, "seckey", "s", "", "path to the secret-key file (default: $XDG_CONFIG_HOME/enchive/enchive.sec)")
	rootCmd.PersistentFlags().StringVarP(&flagAgent, "agent", "a", "", "use the key agent, caching the protection key for SECONDS (default 30)")
	rootCmd.PersistentFlags().Lookup("agent").NoOptDefVal = strconv.Itoa(defaultAgentSeconds)
	rootCmd.PersistentFlags().BoolVarP(&flagNoAgent, "no-agent", "A", false, "never use the key agent")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "log format: text, json")
	rootCmd.PersistentFlags().BoolP("version", "V", false, "print the version number and exit")

	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(fingerprintCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(extractCmd())

	resolvedArgs, err := resolveAbbreviatedCommand(rootCmd, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "enchive: %s\n", err)
		os.Exit(1)
	}
	rootCmd.SetArgs(resolvedArgs)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "enchive: %s\n", err)
		os.Exit(1)
	}
}

// valueFlags lists the root command's persistent flags that consume a
// separate argument when given as "-x value" rather than "-x=value" or
// "--x=value". --agent/-a is deliberately absent: its NoOptDefVal makes
// pflag treat a bare "-a"/"--agent" as needing no following token.
var valueFlags = map[string]bool{
	"-p": true, "--pubkey": true,
	"-s": true, "--seckey": true,
	"--log-level":  true,
	"--log-format": true,
}

// resolveAbbreviatedCommand rewrites the first positional argument to its
// unambiguous full command name, since cobra itself has no subcommand
// prefix matching. spec.md §6 requires commands to be abbreviable
// unambiguously and an ambiguous prefix to fail as a BadArgument-class
// error rather than silently picking a candidate.
func resolveAbbreviatedCommand(root *cobra.Command, args []string) ([]string, error) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			return args, nil
		}
		if strings.HasPrefix(a, "-") {
			if !strings.Contains(a, "=") && valueFlags[a] {
				i++
			}
			continue
		}

		for _, c := range root.Commands() {
			if c.Name() == a {
				return args, nil
			}
		}

		var matches []*cobra.Command
		for _, c := range root.Commands() {
			if !c.IsAvailableCommand() {
				continue
			}
			if strings.HasPrefix(c.Name(), a) {
				matches = append(matches, c)
			}
		}
		switch len(matches) {
		case 0:
			return args, nil
		case 1:
			resolved := append([]string(nil), args...)
			resolved[i] = matches[0].Name()
			return resolved, nil
		default:
			names := make([]string, len(matches))
			for j, c := range matches {
				names[j] = c.Name()
			}
			return nil, fmt.Errorf("ambiguous command prefix %q (matches: %s)", a, strings.Join(names, ", "))
		}
	}
	return args, nil
}

// buildContext resolves default key paths and agent policy into an
// orchestrator.Context, the explicit value that replaces the teacher's
// process-global mutables.
func buildContext() (orchestrator.Context, error) {
	logger := logging.NewLogger(flagLogLevel, flagLogFormat)

	pub := flagPubKey
	sec := flagSecKey
	if pub == "" || sec == "" {
		dir, err := config.DefaultKeyDir()
		if err != nil {
			return orchestrator.Context{}, fmt.Errorf("resolve default key directory: %w", err)
		}
		if pub == "" {
			pub = filepath.Join(dir, "enchive.pub")
		}
		if sec == "" {
			sec = filepath.Join(dir, "enchive.sec")
		}
	}

	var agentTimeout time.Duration
	if !flagNoAgent {
		secs := defaultAgentSeconds
		if flagAgent != "" {
			n, err := strconv.Atoi(flagAgent)
			if err != nil {
				return orchestrator.Context{}, fmt.Errorf("--agent: invalid number of seconds %q: %w", flagAgent, err)
			}
			secs = n
		}
		agentTimeout = time.Duration(secs) * time.Second
	}

	term := passphrase.NewTerminal()

	return orchestrator.Context{
		PubKeyPath:   pub,
		SecKeyPath:   sec,
		AgentTimeout: agentTimeout,
		AgentBinary:  agentBinaryPath(),
		Logger:       logger,
		Entropy:      entropy.OS{},
		Passphrase:   term,
		NewPass:      term,
	}, nil
}

// agentBinaryPath looks for an "enchive-agent" executable next to the
// running enchive binary; a missing sibling just disables agent spawning,
// matching spec.md §4.4's "spawn failure is non-fatal".
func agentBinaryPath() string {
	self, err := os.Executable()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(filepath.Dir(self), "enchive-agent")
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

func keygenCmd() *cobra.Command {
	var (
		derive      string
		deriveSet   bool
		edit        bool
		force       bool
		fingerprint bool
		iterations  int
		plain       bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate or edit a secret/public key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("derive") {
				deriveSet = true
			}
			if deriveSet && edit {
				return fmt.Errorf("--derive and --edit are mutually exclusive")
			}

			opts := orchestrator.KeygenOptions{
				Edit:        edit,
				Force:       force,
				Fingerprint: fingerprint,
				Plain:       plain,
			}

			if deriveSet {
				n, err := strconv.Atoi(derive)
				if err != nil {
					return fmt.Errorf("--derive: invalid cost exponent %q: %w", derive, err)
				}
				if err := kdf.ValidateCostExponent(n); err != nil {
					return err
				}
				opts.Derive = true
				opts.DeriveIterations = uint8(n)
			}

			if cmd.Flags().Changed("iterations") {
				if err := kdf.ValidateCostExponent(iterations); err != nil {
					return err
				}
				opts.Iterations = uint8(iterations)
			}

			ctx, err := buildContext()
			if err != nil {
				return err
			}
			if err := config.EnsureKeyDir(filepath.Dir(ctx.SecKeyPath)); err != nil {
				return fmt.Errorf("create key directory: %w", err)
			}
			return orchestrator.Keygen(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&derive, "derive", strconv.Itoa(kdf.MinCostExponent+5), fmt.Sprintf("derive the secret scalar deterministically from a passphrase, with an optional cost exponent (default uses a %s working set)", kdf.MemorySize(kdf.MinCostExponent+5)))
	cmd.Flags().Lookup("derive").NoOptDefVal = strconv.Itoa(kdf.MinCostExponent + 5)
	cmd.Flags().BoolVar(&edit, "edit", false, "load the existing secret key and rewrap it under a new passphrase")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing key files")
	cmd.Flags().BoolVar(&fingerprint, "fingerprint", false, "print the public-key fingerprint after generation")
	cmd.Flags().IntVar(&iterations, "iterations", 0, fmt.Sprintf("storage wrap cost exponent, %d..%d (default %d, a %s working set)", kdf.MinCostExponent, kdf.MaxCostExponent, orchestrator.DefaultIterations, kdf.MemorySize(orchestrator.DefaultIterations)))
	cmd.Flags().BoolVar(&plain, "plain", false, "store the secret key unwrapped, with no passphrase")

	return cmd
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the public key's fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := buildContext()
			if err != nil {
				return err
			}
			fp, err := orchestrator.Fingerprint(ctx)
			if err != nil {
				return err
			}
			fmt.Println(fp)
			return nil
		},
	}
}

func archiveCmd() *cobra.Command {
	var del bool

	cmd := &cobra.Command{
		Use:   "archive [INFILE [OUTFILE]]",
		Short: "Encrypt a file to the public key",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := buildContext()
			if err != nil {
				return err
			}
			opts := orchestrator.ArchiveOptions{Delete: del}
			if len(args) > 0 {
				opts.InFile = args[0]
			}
			if len(args) > 1 {
				opts.OutFile = args[1]
			}
			return orchestrator.Archive(ctx, opts)
		},
	}

	cmd.Flags().BoolVar(&del, "delete", false, "remove the input file after a successful archive")
	return cmd
}

func extractCmd() *cobra.Command {
	var del bool

	cmd := &cobra.Command{
		Use:   "extract [INFILE [OUTFILE]]",
		Short: "Decrypt a file with the secret key",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := buildContext()
			if err != nil {
				return err
			}
			opts := orchestrator.ExtractOptions{Delete: del}
			if len(args) > 0 {
				opts.InFile = args[0]
			}
			if len(args) > 1 {
				opts.OutFile = args[1]
			}
			return orchestrator.Extract(ctx, opts)
		},
	}

	cmd.Flags().BoolVar(&del, "delete", false, "remove the archive after a successful extract")
	return cmd
}
