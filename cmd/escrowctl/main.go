package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"jobescrow/cmd/internal/passphrase"
	"jobescrow/services/escrowd/auth"
)

const (
	defaultServer = "http://localhost:8088"
	tokenEnv      = "ESCROWCTL_TOKEN"
	secretEnv     = "ESCROWCTL_SECRET"
)

// workflowCommands map to POST /v1/jobs/{id}/<path> with no body.
var workflowCommands = map[string]string{
	"start":         "start",
	"confirm-start": "confirm-start",
	"pause":         "pause",
	"resume":        "resume",
	"end":           "end",
	"confirm-end":   "confirm-end",
	"release":       "release",
	"cancel":        "cancel",
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `Usage: escrowctl <command> [flags]

Commands:
  token          mint a bearer token (secret from $ESCROWCTL_SECRET or prompt)
  post-job       post a job
  offer          post an offer on a job
  accept         accept a worker's offer
  start | confirm-start | pause | resume | end | confirm-end | release | cancel
  add-time       add minutes to a started job
  job | state | offers
  balance        show an owner's balance
  deposit | withdraw
  currencies     list supported currencies

Every API command accepts -server and -token (default $ESCROWCTL_TOKEN).`)
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("missing command")
	}
	cmd, rest := args[0], args[1:]
	if cmd == "token" {
		return runToken(rest, out)
	}
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		usage(out)
		return nil
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	serverURL := fs.String("server", defaultServer, "escrowd base URL")
	token := fs.String("token", os.Getenv(tokenEnv), "bearer token")
	jobID := fs.Uint64("job", 0, "job id")
	area := fs.Uint64("area", 0, "area flag")
	category := fs.Uint64("category", 0, "category flag")
	skills := fs.Uint64("skills", 0, "required skills mask")
	details := fs.String("details", "", "job details")
	cur := fs.String("currency", "", "currency symbol")
	rate := fs.String("rate", "", "rate per minute")
	estimate := fs.Uint64("estimate", 0, "estimated minutes")
	onTop := fs.String("ontop", "0", "fixed on-top amount")
	worker := fs.String("worker", "", "worker address")
	minutes := fs.Uint64("minutes", 0, "minutes to add")
	owner := fs.String("owner", "", "balance owner (address or job:<id>)")
	account := fs.String("account", "", "account to credit")
	amount := fs.String("amount", "", "amount")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	client := NewClient(*serverURL, *token)
	jobPath := func(suffix string) (string, error) {
		if *jobID == 0 {
			return "", errors.New("-job is required")
		}
		return fmt.Sprintf("/v1/jobs/%d%s", *jobID, suffix), nil
	}

	var (
		payload map[string]any
		err     error
	)
	switch cmd {
	case "post-job":
		payload, err = client.Do(ctx, http.MethodPost, "/v1/jobs", map[string]any{
			"area": *area, "category": *category, "skills": *skills, "details": *details,
		})
	case "offer":
		var path string
		if path, err = jobPath("/offers"); err == nil {
			payload, err = client.Do(ctx, http.MethodPost, path, map[string]any{
				"currency": *cur, "rate": *rate, "estimate": *estimate, "onTop": *onTop,
			})
		}
	case "accept":
		var path string
		if path, err = jobPath("/accept"); err == nil {
			payload, err = client.Do(ctx, http.MethodPost, path, map[string]any{"worker": *worker})
		}
	case "add-time":
		var path string
		if path, err = jobPath("/time"); err == nil {
			payload, err = client.Do(ctx, http.MethodPost, path, map[string]any{"minutes": *minutes})
		}
	case "job", "state", "offers":
		suffix := map[string]string{"job": "", "state": "/state", "offers": "/offers"}[cmd]
		var path string
		if path, err = jobPath(suffix); err == nil {
			payload, err = client.Do(ctx, http.MethodGet, path, nil)
		}
	case "balance":
		if strings.TrimSpace(*owner) == "" {
			return errors.New("-owner is required")
		}
		payload, err = client.Do(ctx, http.MethodGet, "/v1/balances/"+strings.TrimSpace(*owner)+"?currency="+strings.TrimSpace(*cur), nil)
	case "deposit":
		payload, err = client.Do(ctx, http.MethodPost, "/v1/deposits", map[string]any{
			"account": *account, "currency": *cur, "amount": *amount,
		})
	case "withdraw":
		payload, err = client.Do(ctx, http.MethodPost, "/v1/withdrawals", map[string]any{
			"currency": *cur, "amount": *amount,
		})
	case "currencies":
		payload, err = client.Do(ctx, http.MethodGet, "/v1/currencies", nil)
	default:
		op, ok := workflowCommands[cmd]
		if !ok {
			usage(out)
			return fmt.Errorf("unknown command %q", cmd)
		}
		var path string
		if path, err = jobPath("/" + op); err == nil {
			payload, err = client.Do(ctx, http.MethodPost, path, nil)
		}
	}
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && len(apiErr.Body) > 0 {
			_ = printJSON(out, apiErr.Body)
		}
		return err
	}
	return printJSON(out, payload)
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	subject := fs.String("subject", "", "account address the token acts as")
	issuer := fs.String("issuer", "escrowd", "token issuer")
	audience := fs.String("audience", "escrow-api", "token audience")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !common.IsHexAddress(strings.TrimSpace(*subject)) {
		return fmt.Errorf("-subject must be an account address")
	}
	secret, err := passphrase.NewSource(secretEnv, "Enter escrowd HMAC secret").Get()
	if err != nil {
		return err
	}
	authn, err := auth.NewAuthenticator(auth.Options{HMACSecret: secret, Issuer: *issuer, Audience: *audience})
	if err != nil {
		return err
	}
	token, err := authn.Issue(common.HexToAddress(strings.TrimSpace(*subject)), *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func printJSON(out io.Writer, payload map[string]any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
