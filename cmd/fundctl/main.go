package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"fundmgr/cmd/internal/secret"
)

const (
	defaultAddr     = "http://127.0.0.1:7085"
	defaultTokenEnv = "FUNDCTL_TOKEN"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	addr     string
	tokenEnv string
	out      io.Writer
	client   *adminClient
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:          "fundctl",
		Short:        "Operate a fundd disbursement daemon",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			source := secret.NewSource(c.tokenEnv, "fundd admin token")
			c.client = newAdminClient(c.addr, source.Get)
		},
	}
	addr := os.Getenv("FUNDCTL_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	root.PersistentFlags().StringVar(&c.addr, "addr", addr, "fundd admin API base URL (or FUNDCTL_ADDR)")
	root.PersistentFlags().StringVar(&c.tokenEnv, "token-env", defaultTokenEnv, "environment variable holding the admin bearer token or JWT")

	root.AddCommand(
		c.statusCmd(),
		c.simplePost("pause", "Stop accepting new disbursements", "/pause"),
		c.simplePost("resume", "Resume accepting disbursements", "/resume"),
		c.disburseCmd(),
		c.confirmCmd(),
		c.getCmd(),
		c.reconCmd(),
	)
	return root
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pause state, in-flight work, balances and quota remaining",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := c.client.do(cmd.Context(), http.MethodGet, "/status", nil, nil)
			if err != nil {
				return err
			}
			return c.print(raw)
		},
	}
}

func (c *cli) simplePost(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := c.client.do(cmd.Context(), http.MethodPost, path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s: ok\n", use)
			return nil
		},
	}
}

func (c *cli) disburseCmd() *cobra.Command {
	var (
		chainName string
		payees    []string
	)
	cmd := &cobra.Command{
		Use:   "disburse",
		Short: "Pay one or more recipients on a configured chain",
		Long: `Submit a disbursement. Each --to takes address=amount in the chain's base
unit (wei, lamports or satoshi). Lightning chains accept a single BOLT11
invoice as the address.

Examples:
  fundctl disburse --chain gnosis --to 0xabc...=1000000000000000
  fundctl disburse --chain solana --to 9xQe...=5000 --to 4Nd1...=7000
  fundctl disburse --chain lightning --to lnbc2500u1...=250000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			recipients, err := parsePayees(payees)
			if err != nil {
				return err
			}
			raw, err := c.client.do(cmd.Context(), http.MethodPost, "/v1/disbursements", nil, map[string]interface{}{
				"chain":      chainName,
				"recipients": recipients,
			})
			if err != nil {
				// Partial payouts carry the paid/unpaid split in the body.
				if len(raw) > 0 {
					_ = c.print(raw)
				}
				return err
			}
			return c.print(raw)
		},
	}
	cmd.Flags().StringVar(&chainName, "chain", "", "configured chain name")
	cmd.Flags().StringArrayVar(&payees, "to", nil, "recipient as address=amount (repeatable)")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

type payee struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

func parsePayees(raw []string) ([]payee, error) {
	out := make([]payee, 0, len(raw))
	for _, entry := range raw {
		idx := strings.LastIndex(entry, "=")
		if idx <= 0 || idx == len(entry)-1 {
			return nil, fmt.Errorf("recipient %q must be address=amount", entry)
		}
		out = append(out, payee{
			Address: strings.TrimSpace(entry[:idx]),
			Amount:  strings.TrimSpace(entry[idx+1:]),
		})
	}
	return out, nil
}

func (c *cli) confirmCmd() *cobra.Command {
	var chainName string
	cmd := &cobra.Command{
		Use:   "confirm <id>",
		Short: "Poll a submitted disbursement once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := c.client.do(cmd.Context(), http.MethodPost, "/v1/disbursements/confirm", nil, map[string]string{
				"id":    args[0],
				"chain": chainName,
			})
			if err != nil {
				return err
			}
			return c.print(raw)
		},
	}
	cmd.Flags().StringVar(&chainName, "chain", "", "chain name, needed only for ids unknown to the ledger")
	return cmd
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show the ledger entry for a disbursement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := c.client.do(cmd.Context(), http.MethodGet, "/v1/disbursements/"+url.PathEscape(args[0]), nil, nil)
			if err != nil {
				return err
			}
			return c.print(raw)
		},
	}
}

func (c *cli) reconCmd() *cobra.Command {
	recon := &cobra.Command{
		Use:   "recon",
		Short: "Inspect and resolve unresolved disbursements",
	}

	var listChain string
	list := &cobra.Command{
		Use:   "list",
		Short: "List disbursements that are pending or escalated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			query := url.Values{}
			if listChain != "" {
				query.Set("chain", listChain)
			}
			raw, err := c.client.do(cmd.Context(), http.MethodGet, "/v1/reconciliation", query, nil)
			if err != nil {
				return err
			}
			return c.print(raw)
		},
	}
	list.Flags().StringVar(&listChain, "chain", "", "restrict to one chain")

	var (
		runChain string
		dryRun   bool
	)
	run := &cobra.Command{
		Use:   "run",
		Short: "Re-poll open disbursements now and write reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := c.client.do(cmd.Context(), http.MethodPost, "/v1/reconciliation/run", nil, map[string]interface{}{
				"dry_run": dryRun,
				"chain":   runChain,
			})
			if err != nil {
				return err
			}
			return c.print(raw)
		},
	}
	run.Flags().StringVar(&runChain, "chain", "", "restrict to one chain")
	run.Flags().BoolVar(&dryRun, "dry-run", false, "poll without writing report files")

	var note string
	ack := &cobra.Command{
		Use:   "ack <id>",
		Short: "Clear the escalation flag after manual reconciliation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/reconciliation/" + url.PathEscape(args[0]) + "/acknowledge"
			raw, err := c.client.do(cmd.Context(), http.MethodPost, path, nil, map[string]string{"note": note})
			if err != nil {
				return err
			}
			return c.print(raw)
		},
	}
	ack.Flags().StringVar(&note, "note", "", "what was checked or done")
	_ = ack.MarkFlagRequired("note")

	recon.AddCommand(list, run, ack)
	return recon
}

func (c *cli) print(raw []byte) error {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		_, err = c.out.Write(raw)
		return err
	}
	pretty.WriteByte('\n')
	_, err := c.out.Write(pretty.Bytes())
	return err
}
