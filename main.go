package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bskracic/cpipe/artifact"
	"github.com/bskracic/cpipe/config"
	"github.com/bskracic/cpipe/runner"
	"github.com/bskracic/cpipe/runtime"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(viper.New()).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:          "cpipe",
		Short:        "Run C source through lexical analysis, parse tree generation or compile-and-run",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (yaml, toml or json)")
	flags.String("tool", "", "analysis tool executable")
	flags.Duration("tool-timeout", 0, "analysis tool time limit, 0 waits forever")
	flags.String("compiler", "", "C compiler executable")
	flags.Duration("compile-timeout", 0, "compiler time limit, 0 waits forever")
	flags.Duration("exec-timeout", 0, "compiled program time limit")
	flags.String("workdir", "", "directory for per-run artifacts")
	flags.String("toolchain-image", "", "compile inside this docker image instead of on the host")
	flags.String("log-level", "", "debug, info, warn or error")

	bind(v, flags.Lookup("config"), config.KeyConfigFile)
	bind(v, flags.Lookup("tool"), config.KeyToolPath)
	bind(v, flags.Lookup("tool-timeout"), config.KeyToolTimeout)
	bind(v, flags.Lookup("compiler"), config.KeyCompilerPath)
	bind(v, flags.Lookup("compile-timeout"), config.KeyCompileTimeout)
	bind(v, flags.Lookup("exec-timeout"), config.KeyExecTimeout)
	bind(v, flags.Lookup("workdir"), config.KeyWorkdir)
	bind(v, flags.Lookup("toolchain-image"), config.KeyToolchainImage)
	bind(v, flags.Lookup("log-level"), config.KeyLogLevel)

	root.AddCommand(
		newStageCmd(v, runner.StageLexical, "lex", "Print the token stream of a C source file"),
		newStageCmd(v, runner.StageParseTree, "tree", "Print the parse tree of a C source file"),
		newStageCmd(v, runner.StageCompileAndRun, "run", "Compile a C source file and run the program"),
		newExecCmd(v),
		newSampleCmd(),
		newServeCmd(v),
	)
	return root
}

// newStageCmd reads the source from the named file or stdin and prints the
// report. Failures are part of the report, so the command only errors when
// it cannot start.
func newStageCmd(v *viper.Viper, stage runner.Stage, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [file]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd, v, stage, args)
		},
	}
}

func runStage(cmd *cobra.Command, v *viper.Viper, stage runner.Stage, args []string) error {
	source, err := readSource(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	a, err := newApp(v, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	rep := a.runner.Run(cmd.Context(), stage, source)
	fmt.Fprintln(cmd.OutOrStdout(), rep.String())
	return nil
}

// newExecCmd runs the stage named by its first argument, for scripts that
// pick the stage at runtime.
func newExecCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <stage> [file]",
		Short: "Run a stage by name: lexical, parse-tree or compile-and-run",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := runner.ParseStage(args[0])
			if err != nil {
				return err
			}
			return runStage(cmd, v, stage, args[1:])
		},
	}
}

func newSampleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sample",
		Short: "Print the sample program",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), runner.SampleProgram)
		},
	}
}

func readSource(stdin io.Reader, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// app holds what every command needs once the configuration is known.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	runner    *runner.PipelineRunner
	toolchain *runtime.DockerRuntime
}

func newApp(v *viper.Viper, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	logger := newLogger(logOut, cfg.LogLevel)

	store, err := artifact.NewOSStore(cfg.Workdir, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	opts := []runner.Option{
		runner.WithLogger(logger),
		runner.WithRuntime(runtime.NewHostRuntime(runtime.WithLogger(logger))),
	}
	if cfg.Toolchain.Image != "" {
		dr, err := runtime.NewDockerRuntime(runtime.Specs{
			Image:  cfg.Toolchain.Image,
			Mounts: []string{store.Root()},
		}, logger)
		if err != nil {
			return nil, err
		}
		a.toolchain = dr
		opts = append(opts, runner.WithToolchainRuntime(dr))
	}
	a.runner = runner.New(cfg.Runner(), store, opts...)
	return a, nil
}

func (a *app) Close() {
	if a.toolchain == nil {
		return
	}
	if err := a.toolchain.Close(); err != nil {
		a.logger.Warn("closing toolchain runtime", "error", err)
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

// bind ties a flag to a config key. Unset flags leave the key to lower
// precedence sources.
func bind(v *viper.Viper, f *pflag.Flag, key string) {
	if err := v.BindPFlag(key, f); err != nil {
		panic(err)
	}
}
