package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/netsec-ethz/fpki-validator/pkg/common"
	"github.com/netsec-ethz/fpki-validator/pkg/config"
	"github.com/netsec-ethz/fpki-validator/pkg/trust"
	"github.com/netsec-ethz/fpki-validator/pkg/util"
	"github.com/netsec-ethz/fpki-validator/pkg/validator"
)

const (
	exitPositive = 0
	exitError    = 1
	exitNegative = 2
)

func main() {
	os.Exit(mainFunc())
}

func mainFunc() int {
	defer glog.Flush()
	// Because some packages (glog) change the flags to main, and we don't want/need them, reset
	// the flags before touching them.
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	// Prepare our flags.
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n%s [flags] domain chain.pem\n"+
			"%s -createSampleConfig -config file\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	configFile := flag.String("config", "", "Configuration file. Default configuration if empty")
	createSampleConfig := flag.Bool("createSampleConfig", false,
		"Create the configuration file specified by -config")
	verbose := flag.Bool("verbose", false, "Print the preferences and counters used")
	var timeout util.DurationWrap
	flag.Var(&timeout, "timeout", "Overrides proof-fetch-timeout of the configuration, e.g. 5s")
	flag.Parse()

	if *createSampleConfig {
		if *configFile == "" {
			flag.Usage()
			return exitError
		}
		return manageError(config.WriteConfigurationToFile(*configFile, config.DefaultConfig()))
	}

	// We need the domain and the chain as positional arguments.
	if flag.NArg() != 2 {
		flag.Usage()
		return exitError
	}

	// The context we get is cancelled if one of those signals is caught.
	ctx, cancel := util.ContextWithCancelOnSignal(context.Background(), syscall.SIGTERM,
		syscall.SIGINT)
	defer cancel()

	positive, err := check(ctx, os.Stdout, checkArgs{
		configFile: *configFile,
		domain:     flag.Arg(0),
		chainFile:  flag.Arg(1),
		timeout:    timeout.Duration,
		verbose:    *verbose,
	})
	if err != nil {
		return manageError(err)
	}
	if !positive {
		return exitNegative
	}
	return exitPositive
}

type checkArgs struct {
	configFile string // Default configuration if empty.
	domain     string
	chainFile  string
	timeout    time.Duration // Configured timeout if zero.
	verbose    bool
}

// check decides on a connection to args.domain presenting the chain in args.chainFile, and
// prints the decision to w.
func check(ctx context.Context, w io.Writer, args checkArgs) (bool, error) {
	cfg := config.DefaultConfig()
	if args.configFile != "" {
		var err error
		if cfg, err = config.ReadConfigFromFile(args.configFile); err != nil {
			return false, err
		}
	}
	if args.timeout > 0 {
		cfg.ProofFetchTimeout = util.NewDurationWrap(args.timeout)
	}
	domainName := args.domain
	chain, err := common.PEMChainFromFile(args.chainFile)
	if err != nil {
		return false, err
	}
	v, err := validator.New(cfg)
	if err != nil {
		return false, err
	}

	if args.verbose {
		printPreferences(w, cfg, domainName)
	}
	decision := v.Decide(ctx, domainName, chain)
	printDecision(w, decision)
	if args.verbose {
		stats := v.Stats()
		fmt.Fprintf(w, "attempts: %d, network calls: %d, certificates parsed: %d\n",
			stats.Attempts, stats.NetworkCalls, stats.ParsedCertificates)
	}
	return decision.Positive(), nil
}

func printPreferences(w io.Writer, cfg *config.Config, domainName string) {
	fmt.Fprintf(w, "legacy preferences for %s:\n", domainName)
	for _, p := range trust.InheritedPreferences(cfg.LegacyTrustPreference, domainName) {
		fmt.Fprintf(w, "\tCA set %q: level %d\n", p.CASet, p.Level)
	}
	fmt.Fprintf(w, "policy preferences for %s:\n", domainName)
	for _, p := range trust.InheritedPreferences(cfg.PolicyTrustPreference, domainName) {
		fmt.Fprintf(w, "\tPCA %q: level %d\n", p.PCA, p.Level)
	}
}

func printDecision(w io.Writer, d *trust.TrustDecision) {
	fmt.Fprintf(w, "%s: %s\n", d.Domain, d.Outcome)
	fmt.Fprintf(w, "mode: %s\n", d.Mode)
	fmt.Fprintf(w, "leaf: %s\n", d.LeafFingerprint)
	for _, e := range d.Evaluations {
		result := "ok"
		if e.Violation != nil {
			result = e.Violation.String()
		}
		fmt.Fprintf(w, "\t%s on %s by %q (level %d): %s\n",
			e.Check, e.Domain, e.Authority, e.Level, result)
	}
	if d.Err != nil {
		fmt.Fprintf(w, "error: %s\n", d.Err)
	}
	if !d.ValidUntil.IsZero() {
		fmt.Fprintf(w, "valid until: %s\n", d.ValidUntil.UTC())
	}
}

func manageError(err error) int {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}

	return exitPositive
}
