package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Lunary1/lunar-bot/internal/domain"
	"github.com/Lunary1/lunar-bot/internal/storefront"
	"github.com/Lunary1/lunar-bot/internal/taskstore"
	"github.com/Lunary1/lunar-bot/internal/vault"
)

var (
	productStore    string
	productURL      string
	accountUser     string
	accountStore    string
	accountUsername string
	watchUser       string
	watchProduct    string
	watchMaxPrice   float64
	watchAuto       bool
	watchInterval   time.Duration
)

func init() {
	productCmd := &cobra.Command{
		Use:   "product",
		Short: "Manage monitored products",
	}
	productAddCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a product page",
		RunE:  runProductAdd,
	}
	productAddCmd.Flags().StringVar(&productStore, "store", "", "store type (required)")
	productAddCmd.Flags().StringVar(&productURL, "url", "", "product page URL (required)")
	productAddCmd.MarkFlagRequired("store")
	productAddCmd.MarkFlagRequired("url")
	productCmd.AddCommand(productAddCmd)
	productCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active products",
		RunE:  runProductList,
	})
	rootCmd.AddCommand(productCmd)

	accountCmd := &cobra.Command{
		Use:   "account",
		Short: "Manage store accounts",
	}
	accountAddCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a store login; the password is read from stdin and stored encrypted",
		RunE:  runAccountAdd,
	}
	accountAddCmd.Flags().StringVar(&accountUser, "user", "", "user id (required)")
	accountAddCmd.Flags().StringVar(&accountStore, "store", "", "store type (required)")
	accountAddCmd.Flags().StringVar(&accountUsername, "username", "", "store login name (required)")
	accountAddCmd.MarkFlagRequired("user")
	accountAddCmd.MarkFlagRequired("store")
	accountAddCmd.MarkFlagRequired("username")
	accountCmd.AddCommand(accountAddCmd)
	rootCmd.AddCommand(accountCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Manage the watchlist",
	}
	watchAddCmd := &cobra.Command{
		Use:   "add",
		Short: "Watch a product, optionally buying it automatically",
		RunE:  runWatchAdd,
	}
	watchAddCmd.Flags().StringVar(&watchUser, "user", "", "user id (required)")
	watchAddCmd.Flags().StringVar(&watchProduct, "product", "", "product id (required)")
	watchAddCmd.Flags().Float64Var(&watchMaxPrice, "max-price", 0, "only buy at or below this price")
	watchAddCmd.Flags().BoolVar(&watchAuto, "auto-purchase", false, "queue a purchase when the product restocks")
	watchAddCmd.Flags().DurationVar(&watchInterval, "interval", 0, "check interval (default from config)")
	watchAddCmd.MarkFlagRequired("user")
	watchAddCmd.MarkFlagRequired("product")
	watchCmd.AddCommand(watchAddCmd)

	watchListCmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's watchlist",
		RunE:  runWatchList,
	}
	watchListCmd.Flags().StringVar(&watchUser, "user", "", "user id (required)")
	watchListCmd.MarkFlagRequired("user")
	watchCmd.AddCommand(watchListCmd)

	watchCmd.AddCommand(&cobra.Command{
		Use:   "resume ITEM_ID",
		Short: "Start or restart the recurring check of an item",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatchResume,
	})
	watchCmd.AddCommand(&cobra.Command{
		Use:   "pause ITEM_ID",
		Short: "Stop the recurring check of an item",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatchPause,
	})
	rootCmd.AddCommand(watchCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show a user's purchase history",
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVar(&watchUser, "user", "", "user id (required)")
	historyCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(historyCmd)
}

func openStore() (*taskstore.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return taskstore.New(cfg.General.DatabasePath)
}

func formatPrice(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *p)
}

func runProductAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	profiles, err := storefront.LoadAll(cfg.Browser.ProfilesDir)
	if err != nil {
		return err
	}
	if _, ok := profiles[domain.StoreType(productStore)]; !ok {
		known := make([]string, 0, len(profiles))
		for st := range profiles {
			known = append(known, string(st))
		}
		sort.Strings(known)
		return fmt.Errorf("unknown store %q (known: %s)", productStore, strings.Join(known, ", "))
	}

	store, err := taskstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	p := &domain.Product{StoreType: domain.StoreType(productStore), URL: productURL, IsActive: true}
	if err := store.UpsertProduct(cmd.Context(), p); err != nil {
		return err
	}
	fmt.Printf("Added product %s\n", p.ID)
	return nil
}

func runProductList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	products, err := store.ListActiveProducts(cmd.Context())
	if err != nil {
		return err
	}
	if len(products) == 0 {
		fmt.Println("No products")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTORE\tNAME\tPRICE\tIN STOCK\tCHECKED")
	for _, p := range products {
		checked := "never"
		if p.LastCheckedAt != nil {
			checked = p.LastCheckedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", p.ID, p.StoreType, p.Name, formatPrice(p.Price), p.IsAvailable, checked)
	}
	w.Flush()
	return nil
}

// readSecret returns the first line of r without its line ending
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("empty password on stdin")
	}
	return line, nil
}

func runAccountAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	v, err := vault.New(cfg.General.VaultKey)
	if err != nil {
		return fmt.Errorf("vault: %w (set LUNAR_VAULT_KEY)", err)
	}

	password, err := readSecret(cmd.InOrStdin())
	if err != nil {
		return err
	}
	sealed, err := v.Encrypt(password)
	if err != nil {
		return err
	}

	store, err := taskstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	account := &domain.StoreAccount{
		UserID:            accountUser,
		StoreType:         domain.StoreType(accountStore),
		Username:          accountUsername,
		PasswordEncrypted: sealed,
		IsActive:          true,
	}
	if err := store.CreateStoreAccount(cmd.Context(), account); err != nil {
		return err
	}
	fmt.Printf("Added %s account %s for %s\n", account.StoreType, account.ID, account.UserID)
	return nil
}

// watchStore is the persistence addWatch needs
type watchStore interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	FindActiveStoreAccount(ctx context.Context, userID string, storeType domain.StoreType) (*domain.StoreAccount, error)
	CreateWatchlistItem(ctx context.Context, item *domain.WatchlistItem) error
}

// addWatch creates a watchlist item. Auto-purchase needs an active account for
// the product's store.
func addWatch(ctx context.Context, store watchStore, item *domain.WatchlistItem) error {
	product, err := store.GetProduct(ctx, item.ProductID)
	if err != nil {
		return fmt.Errorf("product %s: %w", item.ProductID, err)
	}
	if item.AutoPurchase {
		_, err := store.FindActiveStoreAccount(ctx, item.UserID, product.StoreType)
		if errors.Is(err, taskstore.ErrNotFound) {
			return fmt.Errorf("auto-purchase needs an active %s account for %s; add one with `lunar-bot account add`", product.StoreType, item.UserID)
		}
		if err != nil {
			return err
		}
	}
	return store.CreateWatchlistItem(ctx, item)
}

func runWatchAdd(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	item := &domain.WatchlistItem{
		UserID:        watchUser,
		ProductID:     watchProduct,
		AutoPurchase:  watchAuto,
		CheckInterval: watchInterval,
	}
	if cmd.Flags().Changed("max-price") {
		item.MaxPrice = &watchMaxPrice
	}
	if err := addWatch(cmd.Context(), store, item); err != nil {
		return err
	}
	fmt.Printf("Watching %s as %s; run `lunar-bot watch resume %s` to schedule it on a running server\n",
		item.ProductID, item.ID, item.ID)
	return nil
}

func runWatchList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	items, err := store.ListWatchlistByUser(cmd.Context(), watchUser)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("Watchlist is empty")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRODUCT\tSTATUS\tAUTO\tMAX PRICE\tINTERVAL")
	for _, item := range items {
		interval := "default"
		if item.CheckInterval > 0 {
			interval = item.CheckInterval.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
			item.ID, item.ProductID, item.Status, item.AutoPurchase, formatPrice(item.MaxPrice), interval)
	}
	w.Flush()
	return nil
}

func runWatchResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var resp map[string]string
	if err := newAPIClient(cfg).do(cmd.Context(), "POST", "/api/watchlist/"+args[0]+"/schedule", nil, &resp); err != nil {
		return err
	}
	fmt.Printf("Scheduled %s (job %s)\n", args[0], resp["job_id"])
	return nil
}

func runWatchPause(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := newAPIClient(cfg).do(cmd.Context(), "DELETE", "/api/watchlist/"+args[0]+"/schedule", nil, nil); err != nil {
		return err
	}
	fmt.Printf("Paused %s\n", args[0])
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	purchases, err := store.ListPurchases(cmd.Context(), watchUser)
	if err != nil {
		return err
	}
	if len(purchases) == 0 {
		fmt.Println("No purchases")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tPRODUCT\tORDER\tPAID\tTASK")
	for _, p := range purchases {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			p.PurchasedAt.Format(time.RFC3339), p.ProductID, p.OrderRef, formatPrice(p.PricePaid), p.TaskID)
	}
	w.Flush()
	return nil
}
