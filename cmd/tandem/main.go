// Command tandem runs one coordination sidecar: it attaches to a chat
// backend on behalf of a single agent, negotiates with peer sidecars over
// the shared coordination chat, and replies to users through the model
// gateway.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"tandem/internal/kernel"
	"tandem/pkg/config"
	"tandem/pkg/logx"
	"tandem/pkg/version"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to configuration file (default: $TANDEM_CONFIG or ./tandem.yaml)")
		initSecrets = flag.Bool("init-secrets", false, "interactively create the encrypted secrets file and exit")
		statsFrom   = flag.String("stats", "", "print coordination stats from this Prometheus URL and exit")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("tandem %s (%s, %s)\n", version.Version, version.Commit, version.Date)
		return
	}

	if *statsFrom != "" {
		if err := runStats(resolveConfigPath(*configPath), *statsFrom); err != nil {
			fmt.Fprintf(os.Stderr, "stats failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *initSecrets {
		if err := runInitSecrets(); err != nil {
			fmt.Fprintf(os.Stderr, "init-secrets failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(resolveConfigPath(*configPath)); err != nil {
		fmt.Fprintf(os.Stderr, "tandem: %v\n", err)
		os.Exit(1)
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("TANDEM_CONFIG"); env != "" {
		return env
	}
	return config.DefaultFileName
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := loadSecrets(); err != nil {
		return err
	}

	k, err := kernel.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return k.Run(ctx)
}

// loadSecrets decrypts the secrets file when one exists. Without a file,
// provider keys fall back to environment variables.
func loadSecrets() error {
	home, err := os.UserHomeDir()
	if err != nil || !config.SecretsFileExists(home) {
		return nil
	}

	password, err := readPassword("Secrets passphrase: ")
	if err != nil {
		return err
	}
	secrets, err := config.DecryptSecretsFile(home, password)
	if err != nil {
		return err
	}
	config.SetDecryptedSecrets(secrets)
	logx.NewLogger("main").Info("Loaded %d secrets from encrypted file", len(secrets))
	return nil
}

// runInitSecrets collects keys interactively and writes the encrypted
// secrets file under the user's home directory.
func runInitSecrets() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}

	fmt.Println("Creating encrypted secrets file. Leave a value empty to skip it.")
	secrets := make(map[string]string)
	for _, name := range []string{
		config.SecretAnthropicKey,
		config.SecretOpenAIKey,
		config.SecretGeminiKey,
		config.SecretRealtimeToken,
	} {
		value, err := readPassword(name + ": ")
		if err != nil {
			return err
		}
		if value != "" {
			secrets[name] = value
		}
	}
	if len(secrets) == 0 {
		return fmt.Errorf("no secrets entered")
	}

	password, err := readPassword("Encryption passphrase: ")
	if err != nil {
		return err
	}
	confirm, err := readPassword("Confirm passphrase: ")
	if err != nil {
		return err
	}
	if password != confirm {
		return fmt.Errorf("passphrases do not match")
	}

	if err := config.EncryptSecretsFile(home, password, secrets); err != nil {
		return err
	}
	fmt.Printf("Wrote %d secrets.\n", len(secrets))
	return nil
}

// readPassword reads a line without echo when stdin is a terminal, and
// plainly otherwise (pipes in tests and scripts).
func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
