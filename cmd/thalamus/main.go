// Command thalamus runs the turn orchestration controller against a local
// Ollama endpoint.
//
// Usage:
//
//	thalamus chat --config config.yaml
//	thalamus turn --config config.yaml "what did we decide yesterday?"
//	thalamus validate --config config.yaml
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/kadirpekel/thalamus/pkg/config"
	"github.com/kadirpekel/thalamus/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Chat     ChatCmd     `cmd:"" help:"Interactive chat session."`
	Turn     TurnCmd     `cmd:"" help:"Run a single turn and exit."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration file."`

	Config    string `short:"c" help:"Path to config file." default:"config.yaml" type:"path"`
	LogLevel  string `help:"Log level override (debug, info, warn, error)."`
	LogFile   string `help:"Log file path override (empty = config, then stderr)."`
	LogFormat string `help:"Log format override (simple, json)."`
}

func loadConfig(cli *CLI) (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFile != "" {
		cfg.Logging.File = cli.LogFile
	}
	if cli.LogFormat != "" {
		cfg.Logging.Format = cli.LogFormat
	}
	return cfg, nil
}

// initLogging configures the process logger from the merged settings and
// returns a cleanup for the log file, if any.
func initLogging(cfg *config.Config) (func(), error) {
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	output := os.Stderr
	cleanup := func() {}
	if cfg.Logging.File != "" {
		f, closeFn, err := logger.OpenLogFile(cfg.Logging.File)
		if err != nil {
			return nil, err
		}
		output = f
		cleanup = closeFn
	}
	logger.Init(level, output, cfg.Logging.Format)
	return cleanup, nil
}

func main() {
	_ = godotenv.Load()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("thalamus"),
		kong.Description("Local-first turn orchestration over Ollama."),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("thalamus version %s\n", versionString())
	return nil
}
