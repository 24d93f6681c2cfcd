// Command fxa-example drives a full sign-in from the terminal: it prints the
// authorization URL, waits for the code and state pasted back from the
// redirect, completes the flow and shows the signed-in profile.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/common-nighthawk/go-figure"

	"github.com/jrsteele09/go-fxa-client/account"
	"github.com/jrsteele09/go-fxa-client/config"
	"github.com/jrsteele09/go-fxa-client/statemachine"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %s\n", err)
	}
}

func run() error {
	clientID := flag.String("client-id", "3c49430b43dfba77", "OAuth client id")
	redirectURI := flag.String("redirect-uri", "https://accounts.firefox.com/oauth/success/3c49430b43dfba77", "OAuth redirect URI")
	contentURL := flag.String("content-server", config.ContentURLRelease, "FxA content server URL")
	flag.Parse()

	displayAppname("fxa example")

	cfg, err := config.New(*contentURL, *clientID, *redirectURI)
	if err != nil {
		return err
	}
	acct := account.New(cfg, account.WithPersistCallback(func(stateJSON string) {
		log.Printf("State changed (%d bytes)\n", len(stateJSON))
	}))

	ctx := context.Background()
	if _, err := acct.ProcessEvent(ctx, statemachine.Initialize{
		Device: statemachine.DeviceConfig{Name: "Example CLI", Type: "cli"},
	}); err != nil {
		return err
	}

	state, err := acct.ProcessEvent(ctx, statemachine.BeginOAuthFlow{
		Scopes:     []string{account.ScopeProfile, account.ScopeOldSync},
		Entrypoint: "fxa-example",
	})
	if err != nil {
		return err
	}
	authenticating, ok := state.(statemachine.Authenticating)
	if !ok {
		return fmt.Errorf("expected an authorization URL, got state %s", state)
	}

	fmt.Printf("Sign in at:\n\n  %s\n\n", authenticating.OAuthURL)
	fmt.Println("Then paste the code and state from the redirect URL.")

	reader := bufio.NewReader(os.Stdin)
	code, err := prompt(reader, "code")
	if err != nil {
		return err
	}
	flowState, err := prompt(reader, "state")
	if err != nil {
		return err
	}

	state, err = acct.ProcessEvent(ctx, statemachine.CompleteOAuthFlow{Code: code, State: flowState})
	if err != nil {
		return err
	}
	fmt.Printf("Signed in, state is now %s\n", state)

	profile, err := acct.Profile(ctx, false)
	if err != nil {
		return err
	}
	fmt.Printf("Hello %s!\n", profile.Email)

	deviceID, err := acct.CurrentDeviceID()
	if err != nil {
		return err
	}
	fmt.Printf("This session is registered as device %s\n", deviceID)
	fmt.Printf("Sync token server: %s\n", acct.TokenServerEndpointURL())
	return nil
}

func prompt(reader *bufio.Reader, name string) (string, error) {
	fmt.Printf("%s> ", name)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
