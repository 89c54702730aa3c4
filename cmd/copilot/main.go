package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"crm-copilot/internal/infra/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "version":
			fmt.Println("crm-copilot", version)
			return
		case "encrypt":
			if err := runEncrypt(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
				os.Exit(1)
			}
			return
		case "tools":
			if err := runTools(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "tools: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := runServe(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`crm-copilot - grounded AI actions for a CRM

USAGE:
    crm-copilot [COMMAND] [FLAGS]

COMMANDS:
    (no command)  Serve the assistant API
    tools         List the registered CRM tools and their risk tiers
    encrypt       Encrypt a secret for config.yaml (reads stdin)
    version       Print the version

FLAGS:
    -h, --help       Show this help message
    --config PATH    Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: COPILOT_* variables override config
    Secrets:     values prefixed "enc:" are decrypted with COPILOT_CONFIG_PASSPHRASE`)
}

func loadConfig(args []string, name string) (*config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	path := fs.String("config", "config.yaml", "config file path")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(*path)
}

func runServe(args []string) error {
	cfg, err := loadConfig(args, "serve")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	return app.serve(ctx)
}

func runTools(args []string) error {
	cfg, err := loadConfig(args, "tools")
	if err != nil {
		return err
	}
	records, err := openStore(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer records.Close()

	reg, err := newToolCatalog(cfg, records, nil)
	if err != nil {
		return err
	}
	for _, s := range reg.Schemas() {
		fmt.Printf("%-18s %s\n", s.Name, s.Description)
	}
	return nil
}

func runEncrypt(args []string) error {
	if len(args) > 0 {
		return errors.New("the value is read from stdin, not arguments")
	}
	passphrase := os.Getenv("COPILOT_CONFIG_PASSPHRASE")
	if passphrase == "" {
		return errors.New("COPILOT_CONFIG_PASSPHRASE is not set")
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read value: %w", err)
	}
	enc, err := config.EncryptValue(strings.TrimRight(line, "\r\n"), passphrase)
	if err != nil {
		return err
	}
	fmt.Println(enc)
	return nil
}
