package cmds

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/maskregs/maskregs/pkg/config"
	"github.com/maskregs/maskregs/pkg/debuginfo"
	"github.com/maskregs/maskregs/pkg/disasm"
	"github.com/maskregs/maskregs/pkg/logflags"
	"github.com/maskregs/maskregs/pkg/maskvar"
	"github.com/maskregs/maskregs/pkg/query"
	"github.com/maskregs/maskregs/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// mode is the query mode, vars or frame.
	mode string
	// marker is the substring selecting variables.
	marker string
	// markerRegexp replaces marker with a regular expression.
	markerRegexp string
	// registerWidth is the size of a variable occupying a whole register.
	registerWidth int
	// format is the output format.
	format string
	// disasmFlag is whether to print the instruction at each address.
	disasmFlag bool
	// disasmSyntax is the assembly syntax of --disasm.
	disasmSyntax string
	// frameSection selects the section call frame information is read from.
	frameSection string
	// batchFile is a file of queries, one per line.
	batchFile string
	// regsFilter restricts the registers printed in frame rows.
	regsFilter []string
	// configPath replaces the default configuration file.
	configPath string

	// verbose makes the version command print build information.
	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const maskregsCommandLongDesc = `maskregs reports where the masked variables of a binary live at an address.

Given an ELF binary with DWARF debug information and a program counter,
maskregs lists every variable whose name contains the marker
(` + maskvar.DefaultMarker + ` by default) and that has a location at that
address: the register holding it, or the stack slot it was spilled to. Each
location is checked against the call frame information at the same address.

With --mode=frame the call frame rules at the address are printed instead.

Addresses are hexadecimal, with or without the 0x prefix. Any number of
addresses can be given, or read from a file with --batch.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load. The generated documentation uses the defaults.
	if docCall {
		conf = &config.Config{}
	} else {
		conf = config.LoadConfig()
	}

	// Main maskregs root command.
	rootCommand = &cobra.Command{
		Use:   "maskregs [flags] <binary> [pc-hex...]",
		Short: "maskregs locates masked variables in the registers and stack of a binary.",
		Long:  maskregsCommandLongDesc,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			if len(args) == 1 && batchFile == "" {
				return errors.New("you must provide an address or a --batch file")
			}
			return nil
		},
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			if status := execute(cmd, args); status != 0 {
				os.Exit(status)
			}
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'maskregs help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'maskregs help log').")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file to use instead of ~/.maskregs/config.yml.")
	rootCommand.PersistentFlags().StringVarP(&format, "format", "f", "text", "Output format: text, yaml or json.")

	rootCommand.Flags().StringVarP(&mode, "mode", "m", "vars", "Query mode: vars or frame.")
	rootCommand.Flags().StringVar(&marker, "marker", maskvar.DefaultMarker, "Select the variables whose name contains this string.")
	rootCommand.Flags().StringVar(&markerRegexp, "marker-regexp", "", "Select the variables whose name matches this regular expression.")
	rootCommand.Flags().IntVar(&registerWidth, "register-width", 0, "Size in bytes of a variable held in a whole register, defaults to the pointer size.")
	rootCommand.Flags().BoolVar(&disasmFlag, "disasm", false, "Print the instruction at each address.")
	rootCommand.Flags().StringVar(&disasmSyntax, "disasm-syntax", "gnu", "Assembly syntax of --disasm: gnu or intel.")
	rootCommand.Flags().StringVar(&frameSection, "frame-section", "", "Call frame information section: auto, debug_frame or eh_frame.")
	rootCommand.Flags().StringVar(&batchFile, "batch", "", "Read queries from a file, one '<pc-hex> [vars|frame]' per line.")
	rootCommand.Flags().StringSliceVar(&regsFilter, "regs", nil, "Only print the rules of these registers in frame rows (names or DWARF numbers).")

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "maskregs\n%s\n", version.MaskregsVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	// 'regs' subcommand.
	regsCommand := &cobra.Command{
		Use:   "regs [arch] [prefix]",
		Short: "Lists the DWARF register numbers of an architecture.",
		Long: `Lists the DWARF register numbers of an architecture (amd64, arm64 or 386,
amd64 if omitted).

With a prefix, lists the register names and aliases starting with it, as
accepted by --regs.`,
		Args: cobra.MaximumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			if err := regsCmd(cmd.OutOrStdout(), args); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", err)
				os.Exit(1)
			}
		},
	}
	rootCommand.AddCommand(regsCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	reader		Log loading of the binary and of its debug information
	matcher		Log variable selection and scope checks
	locexpr		Log location list evaluation
	unwind		Log call frame rule decoding
	query		Log queries and skipped variables (default)

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

Skipped variables are reported in the output whether or not logging is
enabled.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func execute(cmd *cobra.Command, args []string) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	if configPath != "" {
		var err error
		conf, err = config.LoadConfigFrom(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
	}

	rc, err := makeRunConfig(cmd.Flags(), conf, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := run(rc, cmd.OutOrStdout()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

// runConfig is one invocation, after merging the configuration file with
// the command line.
type runConfig struct {
	path    string
	queries []query.Query

	predicate     maskvar.Predicate
	registerWidth uint64
	opts          []debuginfo.Option

	format  string
	disasm  bool
	flavour disasm.Flavour
	regs    []string
}

// setting returns the value of the flag called name if it was set on the
// command line, the configuration value otherwise.
func setting(flags *pflag.FlagSet, name, flagVal, confVal string) string {
	if flags.Changed(name) || confVal == "" {
		return flagVal
	}
	return confVal
}

func makeRunConfig(flags *pflag.FlagSet, conf *config.Config, args []string) (*runConfig, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	rc := &runConfig{path: args[0], regs: regsFilter}

	defaultMode, err := query.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	for _, arg := range args[1:] {
		pc, err := parsePC(arg)
		if err != nil {
			return nil, err
		}
		rc.queries = append(rc.queries, query.Query{PC: pc, Mode: defaultMode})
	}
	if batchFile != "" {
		qs, err := readBatch(batchFile, defaultMode)
		if err != nil {
			return nil, err
		}
		rc.queries = append(rc.queries, qs...)
	}

	switch {
	case flags.Changed("marker") && flags.Changed("marker-regexp"):
		return nil, errors.New("--marker and --marker-regexp are mutually exclusive")
	case flags.Changed("marker-regexp") || (!flags.Changed("marker") && conf.MarkerRegexp != ""):
		p, err := maskvar.NewRegexpPredicate(setting(flags, "marker-regexp", markerRegexp, conf.MarkerRegexp))
		if err != nil {
			return nil, err
		}
		rc.predicate = p
	default:
		m := setting(flags, "marker", marker, conf.Marker)
		if m == "" {
			return nil, errors.New("empty marker")
		}
		rc.predicate = maskvar.SubstringPredicate(m)
	}

	switch {
	case flags.Changed("register-width"):
		if registerWidth <= 0 {
			return nil, fmt.Errorf("--register-width must be positive, got %d", registerWidth)
		}
		rc.registerWidth = uint64(registerWidth)
	case conf.RegisterWidth != nil:
		rc.registerWidth = uint64(*conf.RegisterWidth)
	}

	rc.format = setting(flags, "format", format, conf.OutputFormat)
	switch rc.format {
	case "text", "yaml", "json":
	default:
		return nil, fmt.Errorf("unknown output format %q (expected text, yaml or json)", rc.format)
	}

	rc.disasm = disasmFlag
	if !flags.Changed("disasm") {
		rc.disasm = rc.disasm || conf.Disasm
	}
	rc.flavour, err = disasm.ParseFlavour(disasmSyntax)
	if err != nil {
		return nil, err
	}

	if conf.MaxTreeDepth != nil {
		rc.opts = append(rc.opts, debuginfo.WithMaxDepth(*conf.MaxTreeDepth))
	}
	if conf.OriginCacheSize != nil {
		rc.opts = append(rc.opts, debuginfo.WithOriginCacheSize(*conf.OriginCacheSize))
	}
	if fs := setting(flags, "frame-section", frameSection, conf.FrameSection); fs != "" {
		switch s := debuginfo.FrameSection(fs); s {
		case debuginfo.FrameSectionAuto, debuginfo.FrameSectionDebugFrame, debuginfo.FrameSectionEHFrame:
			rc.opts = append(rc.opts, debuginfo.WithFrameSection(s))
		default:
			return nil, fmt.Errorf("unknown frame section %q (expected auto, debug_frame or eh_frame)", fs)
		}
	}

	if len(rc.queries) == 0 {
		return nil, errors.New("no addresses to query")
	}
	return rc, nil
}

// parsePC parses a hexadecimal address.
func parsePC(s string) (uint64, error) {
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	pc, err := strconv.ParseUint(digits, 16, 64)
	if err != nil || digits == "" {
		return 0, fmt.Errorf("invalid address %q: expected a hexadecimal number", s)
	}
	return pc, nil
}
