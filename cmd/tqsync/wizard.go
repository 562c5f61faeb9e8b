package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"tqsync/internal/config"

	"github.com/spf13/cobra"
)

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: Telegram → QQ → options → save config",
		Long:  "Guides you through the Telegram bot credentials, the OneBot endpoint for QQ, and the relay options. Writes config to the path used by --config or default.",
		RunE:  runWizard,
	}
}

func runWizard(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(os.Stdout, " [%s]: ", def)
		} else {
			fmt.Fprint(os.Stdout, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" && def != "" {
			return def, nil
		}
		return s, nil
	}
	promptInt64 := func(label string, def int64) (int64, error) {
		fmt.Fprint(os.Stdout, label)
		defStr := ""
		if def != 0 {
			defStr = strconv.FormatInt(def, 10)
		}
		s, err := prompt(defStr)
		if err != nil {
			return 0, err
		}
		if s == "" {
			return def, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", s)
		}
		return n, nil
	}
	promptBool := func(label string, def bool) (bool, error) {
		defStr := "y"
		if !def {
			defStr = "n"
		}
		fmt.Fprint(os.Stdout, label)
		s, err := prompt(defStr)
		if err != nil {
			return def, err
		}
		switch strings.ToLower(s) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		default:
			return def, nil
		}
	}

	// Step 1: Data directory
	fmt.Println("\n--- Step 1: Data directory ---")
	fmt.Fprint(os.Stdout, "Directory for the database and staged media")
	dataDir, err := prompt(cfg.General.DataDir)
	if err != nil {
		return err
	}
	cfg.General.DataDir = config.ExpandPath(dataDir)
	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	fmt.Fprintf(os.Stdout, "  Using data dir: %s\n", cfg.General.DataDir)

	// Step 2: Telegram
	fmt.Println("\n--- Step 2: Telegram ---")
	fmt.Fprint(os.Stdout, "Bot token (from @BotFather, or an env ref like ${TELEGRAM_BOT_TOKEN})")
	token, err := prompt(cfg.Telegram.Token)
	if err != nil {
		return err
	}
	cfg.Telegram.Token = token
	chatID, err := promptInt64("Group chat id (negative for supergroups, see @RawDataBot)", cfg.Telegram.ChatID)
	if err != nil {
		return err
	}
	cfg.Telegram.ChatID = chatID

	// Step 3: QQ via OneBot
	fmt.Println("\n--- Step 3: QQ (OneBot v11 endpoint) ---")
	fmt.Fprint(os.Stdout, "Event stream URL (NapCat/go-cqhttp websocket)")
	wsURL, err := prompt(cfg.QQ.WSURL)
	if err != nil {
		return err
	}
	cfg.QQ.WSURL = wsURL
	fmt.Fprint(os.Stdout, "HTTP API URL")
	apiURL, err := prompt(cfg.QQ.APIURL)
	if err != nil {
		return err
	}
	cfg.QQ.APIURL = apiURL
	fmt.Fprint(os.Stdout, "Access token (empty if the endpoint has none)")
	accessToken, err := prompt(cfg.QQ.AccessToken)
	if err != nil {
		return err
	}
	cfg.QQ.AccessToken = accessToken
	groupID, err := promptInt64("Group number", cfg.QQ.GroupID)
	if err != nil {
		return err
	}
	cfg.QQ.GroupID = groupID

	// Step 4: Relay options
	fmt.Println("\n--- Step 4: Relay options ---")
	mediaRelay, err := promptBool("Relay images/voice/video across platforms? (y/n)", cfg.Sync.EnableMediaRelay)
	if err != nil {
		return err
	}
	cfg.Sync.EnableMediaRelay = mediaRelay
	metricsOn, err := promptBool("Expose Prometheus metrics? (y/n)", cfg.Metrics.Enabled)
	if err != nil {
		return err
	}
	cfg.Metrics.Enabled = metricsOn
	if metricsOn {
		port, err := promptInt64("Metrics port", int64(cfg.Metrics.Port))
		if err != nil {
			return err
		}
		cfg.Metrics.Port = int(port)
	}

	// Save
	cfgDir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	fmt.Println("Next: run 'tqsync doctor' to verify both endpoints, then 'tqsync run'.")
	return nil
}
