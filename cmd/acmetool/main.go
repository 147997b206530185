// Command acmetool reconciles desired certificate groups against an ACME CA
// and publishes the results as stable filesystem bindings.
package main

import (
	"context"
	"crypto"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/spf13/cobra"

	"github.com/sloonz/acmetool/internal/acme"
	"github.com/sloonz/acmetool/internal/config"
	"github.com/sloonz/acmetool/internal/hook"
	"github.com/sloonz/acmetool/internal/reconcile"
	"github.com/sloonz/acmetool/internal/solver"
	"github.com/sloonz/acmetool/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("acmetool failed", "error", err)
		os.Exit(1)
	}
}

type app struct {
	stateDir string
	hooksDir string
	verbose  bool
	logger   *slog.Logger
}

func newRootCmd() *cobra.Command {
	env, err := config.LoadEnv()
	if err != nil {
		env = config.Env{}
	}
	a := &app{}

	root := &cobra.Command{
		Use:           "acmetool",
		Short:         "Reconcile desired certificate groups against an ACME CA",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if a.verbose {
				level = slog.LevelDebug
			}
			a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(a.logger)
		},
		// The default action is a reconciliation pass.
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.reconcile(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.stateDir, "state", env.StateDir, "state directory (env ACMETOOL_STATE_DIR)")
	root.PersistentFlags().StringVar(&a.hooksDir, "hooks", env.HooksDir, "hooks directory (env ACMETOOL_HOOKS_DIR)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newReconcileCmd(a),
		newInitCmd(a),
		newTOSCmd(a),
		newStatusCmd(a),
	)
	return root
}

func newReconcileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile desired groups against the certificate store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.reconcile(cmd.Context())
		},
	}
}

func newInitCmd(a *app) *cobra.Command {
	var email string
	var agreeTOS bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Register a new ACME account for the configured provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.initAccount(cmd.Context(), email, agreeTOS)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account contact email")
	cmd.Flags().BoolVar(&agreeTOS, "agree-tos", false, "agree to the CA's terms of service")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newTOSCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tos",
		Short: "Print the CA's current terms of service URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.printTOS(cmd.Context())
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List live bindings and their certificate expiries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.status()
		},
	}
}

// open prepares the store and target configuration shared by every action.
func (a *app) open() (*storage.Store, *config.Target, error) {
	store, err := storage.Open(a.stateDir)
	if err != nil {
		return nil, nil, err
	}
	target, err := config.LoadTarget(store.TargetPath())
	if err != nil {
		return nil, nil, err
	}
	return store, target, nil
}

func (a *app) reconcile(ctx context.Context) error {
	store, target, err := a.open()
	if err != nil {
		return err
	}

	providerID := storage.Fingerprint([]byte(target.DirectoryURL))
	account, err := store.AccountFor(providerID)
	if err != nil {
		return fmt.Errorf("%w for %s, run 'acmetool init' first", err, target.DirectoryURL)
	}
	client, err := acme.NewLegoClient(target.DirectoryURL, account.URL, account.Key)
	if err != nil {
		return err
	}

	hooks := hook.NewRunner(a.hooksDir, a.logger)
	slv := solver.New(client, hooks, target.WebrootPaths, solver.PollPolicy{
		InitialInterval: time.Duration(target.PollIntervalSeconds) * time.Second,
		MaxElapsed:      time.Duration(target.PollTimeoutSeconds) * time.Second,
	}, a.logger)
	engine := reconcile.New(store, client, slv, hooks, target.RSAKeySize, a.logger)
	return engine.Run(ctx)
}

func (a *app) initAccount(ctx context.Context, email string, agreeTOS bool) error {
	store, target, err := a.open()
	if err != nil {
		return err
	}
	if target.Email == "" {
		target.Email = email
	}
	// Bootstrap conf/target on first use so later runs have a recorded
	// provider.
	if _, err := os.Stat(store.TargetPath()); os.IsNotExist(err) {
		if err := config.SaveTarget(store.TargetPath(), target); err != nil {
			return err
		}
	}

	key, err := certcrypto.GeneratePrivateKey(certcrypto.RSA2048)
	if err != nil {
		return fmt.Errorf("generate account key: %w", err)
	}
	client, err := acme.NewLegoClient(target.DirectoryURL, "", key)
	if err != nil {
		return err
	}

	if !agreeTOS {
		tos, err := client.TermsOfService(ctx)
		if err != nil {
			return err
		}
		return fmt.Errorf("registration requires agreement with the terms of service at %s; re-run with --agree-tos", tos)
	}

	accountURL, err := client.Register(ctx, email)
	if err != nil {
		return err
	}
	keyID, err := storage.KeyID(key.(crypto.Signer))
	if err != nil {
		return err
	}
	providerID := storage.Fingerprint([]byte(target.DirectoryURL))
	if err := store.SaveAccount(providerID, keyID, certcrypto.PEMEncode(key), accountURL); err != nil {
		return err
	}
	a.logger.Info("account registered", "email", email, "url", accountURL)
	return nil
}

func (a *app) printTOS(ctx context.Context) error {
	_, target, err := a.open()
	if err != nil {
		return err
	}
	// Directory metadata needs no account; a throwaway key satisfies the
	// client constructor.
	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return err
	}
	client, err := acme.NewLegoClient(target.DirectoryURL, "", key)
	if err != nil {
		return err
	}
	tos, err := client.TermsOfService(ctx)
	if err != nil {
		return err
	}
	fmt.Println(tos)
	return nil
}

func (a *app) status() error {
	store, _, err := a.open()
	if err != nil {
		return err
	}
	domains, err := store.LiveDomains()
	if err != nil {
		return err
	}
	for _, domain := range domains {
		certID, err := store.LiveBinding(domain)
		if err != nil {
			return err
		}
		cert, err := store.LiveCertificate(domain)
		if err != nil {
			fmt.Printf("%s\t%s\tunreadable: %v\n", domain, certID[:12], err)
			continue
		}
		fmt.Printf("%s\t%s\texpires %s\n", domain, certID[:12], cert.NotAfter.UTC().Format(time.RFC3339))
	}
	return nil
}
