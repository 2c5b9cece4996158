package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kadirpekel/thalamus/pkg/agent"
	"github.com/kadirpekel/thalamus/pkg/logger"
)

// ChatCmd runs an interactive session on stdin.
type ChatCmd struct {
	ShowThinking bool `name:"show-thinking" help:"Print model thinking to stderr."`
	ShowTools    bool `name:"show-tools" help:"Print tool activity to stderr."`
}

func (c *ChatCmd) Run(cli *CLI) error {
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

	fmt.Printf("thalamus %s — namespace %q, %d roles. /help for commands.\n",
		versionString(), cfg.UserNamespace, len(cfg.RoleModels))

	opts := renderOptions{ShowThinking: c.ShowThinking, ShowTools: c.ShowTools}
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if done, err := c.command(ctrl, line); done {
				return err
			}
			continue
		}

		ch, err := ctrl.SubmitTurn(ctx, line)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		if endErr := renderStream(ch, opts); endErr != nil {
			fmt.Fprintf(os.Stderr, "turn failed (%s): %s\n", endErr.Reason, endErr.Message)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// command handles slash commands; done=true exits the loop.
func (c *ChatCmd) command(ctrl *agent.Controller, line string) (bool, error) {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		return true, nil
	case "/world":
		data, err := json.MarshalIndent(ctrl.World(), "", "  ")
		if err != nil {
			return false, nil
		}
		fmt.Println(string(data))
	case "/history":
		turns, err := ctrl.ReadChatTail(10)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return false, nil
		}
		for _, t := range turns {
			fmt.Printf("%s  %-9s %s\n", t.TS, t.Role, t.Content)
		}
	case "/help":
		fmt.Println("/world    show the current world state")
		fmt.Println("/history  show the last 10 chat turns")
		fmt.Println("/quit     exit")
	default:
		fmt.Fprintln(os.Stderr, "unknown command; /help lists commands")
	}
	return false, nil
}
