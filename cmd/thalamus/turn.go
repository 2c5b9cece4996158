package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kadirpekel/thalamus/pkg/agent"
	"github.com/kadirpekel/thalamus/pkg/logger"
)

// TurnCmd runs one turn and exits, for scripting.
type TurnCmd struct {
	Text []string `arg:"" help:"User message."`

	ShowThinking bool `name:"show-thinking" help:"Print model thinking to stderr."`
	ShowTools    bool `name:"show-tools" help:"Print tool activity to stderr."`
}

func (c *TurnCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	cleanup, err := initLogging(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	ctrl, err := agent.New(ctx, cfg, logger.GetLogger())
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ch, err := ctrl.SubmitTurn(ctx, strings.Join(c.Text, " "))
	if err != nil {
		return err
	}
	if endErr := renderStream(ch, renderOptions{ShowThinking: c.ShowThinking, ShowTools: c.ShowTools}); endErr != nil {
		return fmt.Errorf("turn failed (%s): %s", endErr.Reason, endErr.Message)
	}
	return nil
}
