package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/stateledger/internal/app"
	"github.com/jmerrifield20/stateledger/internal/email"
	"github.com/jmerrifield20/stateledger/internal/ledger"
	"github.com/jmerrifield20/stateledger/internal/statechain"
	"github.com/jmerrifield20/stateledger/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile      string
	outputFormat string
	serverURL    string
	verbose      bool

	logger *zap.Logger
	lg     *app.Ledger
	remote *client.Client
)

// annotationRemote marks commands that can run against a ledgerd --server
// instead of the database.
const annotationRemote = "remote"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Operate the signed state ledger",
	Long: `ledgerctl inspects and operates a state ledger database directly.

It verifies chain integrity, prints balances, registers invoice parties,
records invoices and cost requests, and drives token-gated approvals.
Configuration is shared with ledgerd (configs/ledgerd.yaml and LEDGER_*,
APPROVAL_*, DATABASE_* environment variables).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		if verbose {
			logger, err = zap.NewDevelopment()
		} else {
			logger = zap.NewNop()
		}
		if err != nil {
			return err
		}
		if serverURL != "" {
			if cmd.Annotations[annotationRemote] != "true" {
				return fmt.Errorf("%s needs direct database access; drop --server", cmd.CommandPath())
			}
			remote, err = client.New(serverURL)
			return err
		}
		v := viper.GetViper()
		if err := app.Load(v, "ledgerd", cfgFile, logger); err != nil {
			return err
		}
		lg, err = app.Open(cmd.Context(), v, logger)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if lg != nil {
			lg.Close()
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default configs/ledgerd.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "Output format: text or json")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Query a ledgerd instance (verify and balance only)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr")

	partyCmd.AddCommand(partyRegisterCmd)
	tokenCmd.AddCommand(tokenIssueCmd)

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(partyCmd)
	rootCmd.AddCommand(invoiceCmd)
	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(versionCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify [context...]",
	Short: "Verify the integrity of state chains",
	Long: `Verify recomputes the hash and checks the signature of every entity on
the chains of each given context. Without arguments every context is checked.

  ledgerctl verify "STATION-1|STATION-2"
  ledgerctl --server http://localhost:8080 verify "STATION-1|STATION-2"`,
	Annotations: map[string]string{annotationRemote: "true"},
	RunE:        runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var reports []ledger.ContextReport
	switch {
	case remote != nil:
		if len(args) == 0 {
			return fmt.Errorf("--server needs at least one context")
		}
		for _, key := range args {
			r, err := verifyRemote(ctx, key)
			if err != nil {
				return err
			}
			reports = append(reports, r)
		}
	case len(args) == 0:
		var err error
		if reports, err = lg.Service.VerifyAll(ctx); err != nil {
			return err
		}
	default:
		for _, key := range args {
			reports = append(reports, verifyOne(ctx, key))
		}
	}

	if outputFormat == "json" {
		if err := printJSON(reports); err != nil {
			return err
		}
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CONTEXT\tCHAINS\tBLOCKS\tVALID")
		for _, r := range reports {
			fmt.Fprintf(w, "%s\t%d\t%d\t%t\n", r.Context, r.Chains, r.Blocks, r.Valid)
		}
		w.Flush()
	}

	for _, r := range reports {
		if !r.Valid {
			return fmt.Errorf("integrity check failed for %q", r.Context)
		}
	}
	return nil
}

func verifyOne(ctx context.Context, key string) ledger.ContextReport {
	r := ledger.ContextReport{Context: key}
	chains, err := lg.Service.VerifyChain(ctx, key)
	if err != nil {
		logger.Error("verify", zap.String("context", key), zap.Error(err))
	} else {
		r.Valid = true
	}
	for _, c := range chains {
		r.Chains++
		r.Blocks += len(c.Blocks)
	}
	return r
}

func verifyRemote(ctx context.Context, key string) (ledger.ContextReport, error) {
	r := ledger.ContextReport{Context: key}
	res, err := remote.Verify(ctx, key)
	if err != nil {
		return r, err
	}
	r.Valid = res.Valid
	for _, c := range res.Chains {
		r.Chains++
		r.Blocks += c.Blocks
	}
	return r, nil
}

// ── balance ──────────────────────────────────────────────────────────────────

var (
	balanceCurrency string
	balanceSince    string
	balanceUntil    string
)

var balanceCmd = &cobra.Command{
	Use:         "balance <party>",
	Short:       "Print a party's balance per currency",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{annotationRemote: "true"},
	RunE:        runBalance,
}

func init() {
	balanceCmd.Flags().StringVar(&balanceCurrency, "currency", "", "Only this currency")
	balanceCmd.Flags().StringVar(&balanceSince, "since", "", "Only entries created at or after this RFC 3339 time")
	balanceCmd.Flags().StringVar(&balanceUntil, "until", "", "Only entries created before this RFC 3339 time")
}

func runBalance(cmd *cobra.Command, args []string) error {
	f := statechain.Filter{Currency: balanceCurrency}
	var err error
	if f.Since, err = parseTime(balanceSince); err != nil {
		return fmt.Errorf("--since: %w", err)
	}
	if f.Until, err = parseTime(balanceUntil); err != nil {
		return fmt.Errorf("--until: %w", err)
	}

	balances, err := fetchBalances(cmd.Context(), args[0], f)
	if err != nil {
		return err
	}
	if outputFormat == "json" {
		return printJSON(balances)
	}

	currencies := make([]string, 0, len(balances))
	for c := range balances {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CURRENCY\tBALANCE\tOUTGOING\tINCOMING")
	for _, c := range currencies {
		b := balances[c]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", c, b.Balance, b.Outgoing, b.Incoming)
	}
	return w.Flush()
}

func fetchBalances(ctx context.Context, party string, f statechain.Filter) (map[string]ledger.Balance, error) {
	if remote == nil {
		return lg.Service.Balance(ctx, party, f)
	}
	rb, err := remote.Balance(ctx, party, client.Filter{Currency: f.Currency, Since: f.Since, Until: f.Until})
	if err != nil {
		return nil, err
	}
	out := make(map[string]ledger.Balance, len(rb))
	for c, b := range rb {
		out[c] = ledger.Balance{Balance: b.Balance, Incoming: b.Incoming, Outgoing: b.Outgoing}
	}
	return out, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// ── party ────────────────────────────────────────────────────────────────────

var partyCmd = &cobra.Command{
	Use:   "party",
	Short: "Manage invoice parties",
}

var partyRegisterCmd = &cobra.Command{
	Use:   "register <identity>",
	Short: "Mint the keypair that lets a party send and receive invoices",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := lg.Service.RegisterParty(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(k)
		}
		fmt.Printf("registered %s\n  key id:     %d\n  public key: %s\n", k.Identity, k.ID, k.PublicKey)
		return nil
	},
}

// ── invoice ──────────────────────────────────────────────────────────────────

var invoiceDetails ledger.InvoiceDetails

var invoiceCmd = &cobra.Command{
	Use:   "invoice",
	Short: "Record a cost code between two registered parties",
	Long: `Invoice appends a signed cost code to the chain of the two parties.
Amounts are in minor currency units.

  ledgerctl invoice --from STATION-1 --to STATION-2 --amount 500 --currency USD`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := lg.Service.Invoice(cmd.Context(), invoiceDetails)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(c)
		}
		fmt.Printf("cost code %d appended to %s (previous %d)\n", c.ID, ledger.ContextKey(c.From, c.To), c.Previous)
		return nil
	},
}

func init() {
	invoiceCmd.Flags().StringVar(&invoiceDetails.From, "from", "", "Sending party identity or public key")
	invoiceCmd.Flags().StringVar(&invoiceDetails.To, "to", "", "Receiving party identity or public key")
	invoiceCmd.Flags().Int64Var(&invoiceDetails.Amount, "amount", 0, "Amount in minor currency units")
	invoiceCmd.Flags().StringVar(&invoiceDetails.Currency, "currency", "", "ISO currency code (default from config)")
	invoiceCmd.Flags().StringVar(&invoiceDetails.Domain, "domain", "", "Optional domain tag")
	invoiceCmd.Flags().StringVar(&invoiceDetails.Description, "description", "", "Optional description")
	_ = invoiceCmd.MarkFlagRequired("from")
	_ = invoiceCmd.MarkFlagRequired("to")
	_ = invoiceCmd.MarkFlagRequired("amount")
}

// ── request ──────────────────────────────────────────────────────────────────

var requestDetails ledger.RequestDetails

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Record a pending cost request against a cost code",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := lg.Service.RequestCost(cmd.Context(), requestDetails)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(r)
		}
		fmt.Printf("cost request %d is %s\n", r.ID, r.Status)
		return nil
	},
}

func init() {
	requestCmd.Flags().StringVar(&requestDetails.CostCode, "costcode", "", "Cost code the request is charged to")
	requestCmd.Flags().StringVar(&requestDetails.RequestedBy, "by", "", "Requester")
	requestCmd.Flags().Int64Var(&requestDetails.Amount, "amount", 0, "Amount in minor currency units")
	requestCmd.Flags().StringVar(&requestDetails.Currency, "currency", "", "ISO currency code (default from config)")
	_ = requestCmd.MarkFlagRequired("costcode")
	_ = requestCmd.MarkFlagRequired("by")
	_ = requestCmd.MarkFlagRequired("amount")
}

// ── token / approve ──────────────────────────────────────────────────────────

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage approval tokens",
}

var tokenEmail string

var tokenIssueCmd = &cobra.Command{
	Use:   "issue <request-id>",
	Short: "Issue an approval token for a pending cost request",
	Long: `Issue mints a time-boxed approval token for the cost request. Issuing a
new token invalidates any earlier one. With --email the token is mailed to
the approver instead of printed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid request id %q", args[0])
		}
		e, err := lg.Chains.Entities().Get(cmd.Context(), statechain.KindCostRequest, id)
		if err != nil {
			return err
		}
		token, err := lg.Service.IssueApprovalToken(cmd.Context(), e)
		if err != nil {
			return err
		}
		if tokenEmail == "" {
			fmt.Println(token)
			return nil
		}
		r, ok := e.(*statechain.CostRequest)
		if !ok {
			return fmt.Errorf("entity %d is not a cost request", id)
		}
		subject, body := email.ApprovalRequest(r, token, lg.Service.TokenTTL())
		if err := app.Mailer(viper.GetViper(), logger).Send(cmd.Context(), tokenEmail, subject, body); err != nil {
			return fmt.Errorf("mail approval token: %w", err)
		}
		fmt.Printf("approval token for request %d sent to %s\n", id, tokenEmail)
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().StringVar(&tokenEmail, "email", "", "Mail the token to this approver")
}

var approveReject bool

var approveCmd = &cobra.Command{
	Use:   "approve <token>",
	Short: "Approve (or --reject) the cost request an approval token was issued for",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := statechain.StatusApproved
		if approveReject {
			status = statechain.StatusRejected
		}
		d, err := lg.Service.ApproveWithToken(cmd.Context(), args[0], status, lg.Hooks)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(d)
		}
		fmt.Printf("cost request %d %s (decision %d)\n", d.Origin, d.Status, d.ID)
		return nil
	},
}

func init() {
	approveCmd.Flags().BoolVar(&approveReject, "reject", false, "Reject instead of approve")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("ledgerctl", version)
	},
}
