package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/raykavin/pricewatch"
	"github.com/raykavin/pricewatch/core"
	"github.com/raykavin/pricewatch/source"
	"github.com/raykavin/pricewatch/storage"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:     "pricewatch",
		Short:   "Crypto price alerts over Telegram",
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "pricewatch.yaml", "Configuration file path")

	rootCmd.AddCommand(buildRunCmd())
	rootCmd.AddCommand(buildSubscriptionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the alert service",
		RunE:  runService,
	}
}

func runService(cmd *cobra.Command, args []string) error {
	config, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := openStorage(config.Storage)
	if err != nil {
		return err
	}

	priceSource := source.NewBinance(source.Config{
		APIKey:     config.Binance.APIKey,
		APISecret:  config.Binance.APISecret,
		UseTestnet: config.Binance.UseTestnet,
		Timeout:    config.Settings.Pipeline.FetchTimeout,
	}, pricewatch.DefaultLog)

	watcher, err := pricewatch.NewWatcher(&config.Settings, priceSource, pricewatch.WithStorage(store))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return watcher.Run(ctx)
}

func buildSubscriptionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscriptions",
		Short: "List stored subscriptions",
		RunE:  listSubscriptions,
	}
}

func listSubscriptions(cmd *cobra.Command, args []string) error {
	config, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := openStorage(config.Storage)
	if err != nil {
		return err
	}

	subs, err := store.Subscriptions(cmd.Context())
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "User", "Symbol", "Condition", "Enabled", "Reason"})

	for _, sub := range subs {
		table.Append([]string{
			fmt.Sprintf("%d", sub.ID),
			fmt.Sprintf("%d", sub.UserID),
			sub.Symbol,
			sub.Condition.String(),
			fmt.Sprintf("%t", sub.Enabled),
			sub.DisabledReason,
		})
	}

	table.Render()
	return nil
}

func openStorage(config StorageConfig) (core.Storage, error) {
	switch config.Driver {
	case "bunt", "":
		return storage.NewFromFile(config.Path)
	case "sqlite":
		return storage.NewFromSQLite(config.Path, storage.DefaultConfig())
	case "postgres":
		return storage.NewFromPostgres(config.DSN, storage.DefaultConfig())
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", config.Driver)
	}
}
