package main

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"chatrelay/chat_client/internal"
	"chatrelay/tools"
)

var (
	port      string
	address   string
	name      string
	wsURL     string
	styled    bool
	timeout   time.Duration
	presenter internal.Presenter
)

// rootCmd connects to a chat server and relays stdin to it
var rootCmd = &cobra.Command{
	Use:   "chat-client",
	Short: "Terminal client of the line based chat relay",
	Long: `chat-client sends every line typed on stdin as "<name>: <line>" and prints
everything the server relays.

Type /exit to leave. Typing EXIT closes the server for every user.`,
	SilenceUsage: true,
	RunE:         runClient,
}

func init() {
	rootCmd.Flags().StringVarP(&port, "port", "p", "14001", "Server port")
	rootCmd.Flags().StringVarP(&address, "address", "a", internal.DefaultAddress, "Server IPv4 address")
	rootCmd.Flags().StringVarP(&name, "name", "n", "", "User name (asked for when empty)")
	rootCmd.Flags().StringVar(&wsURL, "websocket", "", "Connect over WebSocket instead, e.g. ws://localhost:8080/ws")
	rootCmd.Flags().BoolVar(&styled, "styled", false, "Colorize sender names")
	rootCmd.Flags().DurationVar(&timeout, "timeout", internal.DefaultConnectTimeout, "Connection timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	if styled {
		presenter = internal.NewStyledPresenter(out, name)
	} else {
		presenter = internal.NewConsolePresenter(out)
	}

	in := bufio.NewScanner(cmd.InOrStdin())
	in.Buffer(make([]byte, 4096), tools.MaxLineSize)

	client, err := connect(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	if name == "" {
		if name, err = internal.PromptName(in, presenter); err != nil {
			return nil
		}
	} else if valid, reason := tools.ValidateName(name); !valid {
		return errors.Errorf("invalid user name %q: %s", name, reason)
	}
	client.SetName(name)
	if sp, ok := presenter.(*internal.StyledPresenter); ok {
		sp.SetSelf(name)
	}

	received := make(chan error, 1)
	go func() { received <- client.Receive() }()
	go func() {
		if err := client.RunInput(in); err != nil {
			presenter.ShowNotice(err.Error())
		}
		client.Close()
	}()

	select {
	case err := <-received:
		return err
	case <-ctx.Done():
		return nil
	}
}

func connect(cmd *cobra.Command) (*internal.Client, error) {
	ctx := cmd.Context()
	if wsURL != "" {
		return internal.DialWebSocket(ctx, wsURL, timeout, presenter)
	}

	p, warning := internal.ConvertPort(port)
	if warning != "" {
		presenter.ShowNotice(warning)
	}
	host, warning := internal.ConvertAddress(address)
	if warning != "" {
		presenter.ShowNotice(warning)
	}
	return internal.Dial(ctx, host, p, timeout, presenter)
}
