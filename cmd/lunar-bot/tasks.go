package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Lunary1/lunar-bot/internal/domain"
	"github.com/Lunary1/lunar-bot/internal/taskstore"
	"github.com/Lunary1/lunar-bot/web/api"
)

var (
	taskUser     string
	taskProduct  string
	taskAccount  string
	taskProxy    string
	taskPriority string
	taskMaxPrice float64
	taskQuantity int
	listStatus   string
	listLimit    int
)

func init() {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Create, list and cancel purchase tasks",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Queue a purchase task on the running server",
		RunE:  runTaskCreate,
	}
	createCmd.Flags().StringVar(&taskUser, "user", "", "user id (required)")
	createCmd.Flags().StringVar(&taskProduct, "product", "", "product id (required)")
	createCmd.Flags().StringVar(&taskAccount, "account", "", "store account id (default: user's active account)")
	createCmd.Flags().StringVar(&taskProxy, "proxy", "", "proxy id")
	createCmd.Flags().StringVar(&taskPriority, "priority", "normal", "low, normal or high")
	createCmd.Flags().Float64Var(&taskMaxPrice, "max-price", 0, "abort when the live price is above this")
	createCmd.Flags().IntVar(&taskQuantity, "quantity", 0, "quantity (default from config)")
	createCmd.MarkFlagRequired("user")
	createCmd.MarkFlagRequired("product")
	taskCmd.AddCommand(createCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE:  runTaskList,
	}
	listCmd.Flags().StringVar(&taskUser, "user", "", "filter by user")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum rows")
	taskCmd.AddCommand(listCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel TASK_ID",
		Short: "Cancel a queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskCancel,
	}
	taskCmd.AddCommand(cancelCmd)

	rootCmd.AddCommand(taskCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show task counts and bot usage of the running server",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)
}

func parsePriority(s string) (domain.Priority, error) {
	switch s {
	case "low":
		return domain.PriorityLow, nil
	case "", "normal":
		return domain.PriorityNormal, nil
	case "high":
		return domain.PriorityHigh, nil
	default:
		return 0, fmt.Errorf("unknown priority %q (want low, normal or high)", s)
	}
}

func statusColor(s string) *color.Color {
	switch domain.TaskStatus(s) {
	case domain.TaskCompleted:
		return color.New(color.FgGreen)
	case domain.TaskFailed:
		return color.New(color.FgRed)
	case domain.TaskRunning:
		return color.New(color.FgCyan)
	case domain.TaskCancelled:
		return color.New(color.Faint)
	default:
		return color.New(color.FgYellow)
	}
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	priority, err := parsePriority(taskPriority)
	if err != nil {
		return err
	}
	quantity := taskQuantity
	if quantity == 0 {
		quantity = cfg.Purchase.Quantity
	}

	req := api.CreateTaskRequest{
		UserID:         taskUser,
		ProductID:      taskProduct,
		StoreAccountID: taskAccount,
		ProxyID:        taskProxy,
		Priority:       int(priority),
		Quantity:       quantity,
	}
	if cmd.Flags().Changed("max-price") {
		req.MaxPrice = &taskMaxPrice
	}

	var task api.TaskResponse
	if err := newAPIClient(cfg).do(cmd.Context(), "POST", "/api/tasks", req, &task); err != nil {
		return err
	}
	fmt.Printf("Queued task %s (priority %d)\n", task.ID, task.Priority)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := taskstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := store.ListTasks(cmd.Context(), taskstore.ListOptions{
		UserID: taskUser,
		Status: domain.TaskStatus(listStatus),
		Limit:  listLimit,
	})
	if err != nil {
		return err
	}
	printTasks(os.Stdout, tasks)
	return nil
}

func printTasks(out io.Writer, tasks []*domain.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No tasks")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tPRODUCT\tPRIORITY\tSTATUS\tRETRIES\tDETAIL")
	for _, t := range tasks {
		detail := t.OrderRef
		if t.ErrorMessage != "" {
			detail = t.ErrorMessage
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
			t.ID, t.UserID, t.ProductID, t.Priority,
			statusColor(string(t.Status)).Sprint(t.Status), t.RetryCount, detail)
	}
	w.Flush()
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var task api.TaskResponse
	if err := newAPIClient(cfg).do(cmd.Context(), "POST", "/api/tasks/"+args[0]+"/cancel", nil, &task); err != nil {
		return err
	}
	fmt.Printf("Task %s is %s\n", task.ID, statusColor(task.Status).Sprint(task.Status))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var status api.StatusResponse
	if err := newAPIClient(cfg).do(cmd.Context(), "GET", "/api/status", nil, &status); err != nil {
		return err
	}

	statuses := make([]string, 0, len(status.Tasks))
	for s := range status.Tasks {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	fmt.Printf("Tasks: %d total", status.TotalTasks)
	for _, s := range statuses {
		fmt.Printf(" | %d %s", status.Tasks[s], statusColor(s).Sprint(s))
	}
	fmt.Printf("\nBots: %d (%d running)\nUptime: %s\n", status.Bots, status.BotsRunning, status.Uptime)
	return nil
}
