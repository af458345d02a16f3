package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/ongoingai/agentconsole/internal/backend"
	"github.com/ongoingai/agentconsole/internal/config"
)

const loginTimeout = 30 * time.Second

// readPassword is swapped in tests.
var readPassword = promptPassword

func runLogin(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("login", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	username := flagSet.String("username", "", "Account name")
	secret := flagSet.String("secret", "", "Signing secret (defaults to backend.signing_secret)")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "login does not accept positional arguments")
		return 2
	}
	name := strings.TrimSpace(*username)
	if name == "" {
		fmt.Fprintln(errOut, "login requires --username")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		return 1
	}
	if strings.TrimSpace(*secret) == "" {
		*secret = cfg.Backend.SigningSecret
	}
	_, client, err := newBackendClient(cfg, *secret, nil)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	password, err := readPassword(errOut)
	if err != nil {
		fmt.Fprintf(errOut, "failed to read password: %v\n", err)
		return 1
	}
	if password == "" {
		fmt.Fprintln(errOut, "password is required")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), loginTimeout)
	defer cancel()
	creds, err := client.Login(ctx, name, password)
	if err != nil {
		if backend.StatusCode(err) == http.StatusUnauthorized {
			fmt.Fprintln(errOut, "invalid username or password")
		} else {
			fmt.Fprintln(errOut, backend.UserMessage(err))
		}
		return 1
	}

	fmt.Fprintln(out, creds.Token)
	return 0
}

// promptPassword reads without echo on a terminal and falls back to a plain
// line read when stdin is piped.
func promptPassword(prompt io.Writer) (string, error) {
	fmt.Fprint(prompt, "Password: ")
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
