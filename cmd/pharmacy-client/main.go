package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/ariefcatur/go-pharmacy-orders/internal/config"
	"github.com/ariefcatur/go-pharmacy-orders/internal/offline"
	"github.com/ariefcatur/go-pharmacy-orders/internal/retry"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()
	cfg := config.LoadClient()

	rootCmd := &cobra.Command{
		Use:     "pharmacy-client",
		Short:   "Offline operation queue for the pharmacy API",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVar(&cfg.APIURL, "api", cfg.APIURL, "Pharmacy API base URL")
	rootCmd.PersistentFlags().StringVar(&cfg.DBPath, "db", cfg.DBPath, "Local queue database")
	rootCmd.PersistentFlags().StringVar(&cfg.Token, "token", cfg.Token, "Session token sent with replayed operations")

	rootCmd.AddCommand(runCmd(&cfg))
	rootCmd.AddCommand(enqueueCmd(&cfg))
	rootCmd.AddCommand(drainCmd(&cfg))
	rootCmd.AddCommand(listCmd(&cfg))
	rootCmd.AddCommand(pruneCmd(&cfg))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type client struct {
	store   *offline.SQLiteStore
	monitor *offline.Monitor
	queue   *offline.Queue
}

func open(cfg *config.Client) (*client, error) {
	st, err := offline.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DBPath, err)
	}
	api := offline.NewAPIClient(cfg.APIURL, cfg.Token, retry.Default("replay"))
	mon := offline.NewMonitor(cfg.APIURL, cfg.ProbeInterval)
	q := offline.NewQueue(st, api.Dispatchers(), mon.Online)
	q.OnDrop = func(op offline.Operation, err error) {
		fmt.Fprintf(os.Stderr, "Failed to process %s operation %s: %v. Please try again.\n", op.Type, op.ID, err)
	}
	return &client{store: st, monitor: mon, queue: q}, nil
}

func runCmd(cfg *config.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch connectivity and replay queued operations whenever the API is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open(cfg)
			if err != nil {
				return err
			}
			defer c.store.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if n, err := c.store.ClearExpired(ctx); err == nil && n > 0 {
				log.Printf("cleared %d expired cache entries", n)
			}
			var drains sync.WaitGroup
			c.monitor.OnOnline = func(ctx context.Context) {
				drains.Add(1)
				go func() {
					defer drains.Done()
					if _, err := c.queue.Drain(ctx); err != nil {
						log.Printf("drain: %v", err)
					}
				}()
			}
			log.Printf("watching %s every %s", c.monitor.HealthURL, cfg.ProbeInterval)
			err = c.monitor.Run(ctx)
			drains.Wait()
			return err
		},
	}
}

func enqueueCmd(cfg *config.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue [payment|order|prescription] [json|@file]",
		Short: "Queue an operation and send it now if the API is reachable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ := offline.Type(args[0])
			if !typ.Valid() {
				return fmt.Errorf("unknown operation type %q", args[0])
			}
			payload, err := readPayload(args[1])
			if err != nil {
				return err
			}
			if email, _ := cmd.Flags().GetString("email"); email != "" {
				payload, err = withEmail(payload, email)
				if err != nil {
					return err
				}
			}

			c, err := open(cfg)
			if err != nil {
				return err
			}
			defer c.store.Close()

			ctx := cmd.Context()
			if !c.monitor.Probe(ctx) {
				fmt.Println("API unreachable, operation will be sent when the connection is restored")
			}
			op, err := c.queue.Enqueue(ctx, typ, payload)
			if err != nil {
				return err
			}
			c.queue.Wait()
			fmt.Println(op.ID)
			return nil
		},
	}
	cmd.Flags().StringP("email", "e", cfg.UserEmail, "Add userEmail to the payload when it has none")
	return cmd
}

func drainCmd(cfg *config.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay queued operations once",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open(cfg)
			if err != nil {
				return err
			}
			defer c.store.Close()

			ctx := cmd.Context()
			c.monitor.Probe(ctx)
			stats, err := c.queue.Drain(ctx)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func listCmd(cfg *config.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show queued operations, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := offline.NewSQLiteStore(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()
			ops, err := st.ListOperations(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(ops)
		},
	}
}

func pruneCmd(cfg *config.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove expired entries from the local response cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := offline.NewSQLiteStore(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()
			n, err := st.ClearExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("removed %d expired entries\n", n)
			return nil
		},
	}
}

func readPayload(arg string) (json.RawMessage, error) {
	var b []byte
	if strings.HasPrefix(arg, "@") {
		var err error
		if b, err = os.ReadFile(arg[1:]); err != nil {
			return nil, err
		}
	} else {
		b = []byte(arg)
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(b), nil
}

func withEmail(payload json.RawMessage, email string) (json.RawMessage, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if _, ok := m["userEmail"]; !ok {
		m["userEmail"] = email
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
