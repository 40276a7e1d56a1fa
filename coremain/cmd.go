package coremain

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/swcache-x/mlog"
	"github.com/pmkol/swcache-x/pkg/queue"
)

const cmdTimeout = 10 * time.Second

func newConfigCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Config tools.",
	}
	var path string
	dump := &cobra.Command{
		Use:   "dump [-c config_file]",
		Short: "Print the config with includes merged and defaults applied.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadFullConfig(path)
			if err != nil {
				return err
			}
			if err := cfg.init(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	dump.Flags().StringVarP(&path, "config", "c", "", "config file")
	c.AddCommand(dump)
	return c
}

// queueRecord is the printable form of a queued request.
type queueRecord struct {
	ID        int64          `yaml:"id"`
	Method    string         `yaml:"method"`
	URL       string         `yaml:"url"`
	Headers   []queue.Header `yaml:"headers,omitempty"`
	Body      string         `yaml:"body,omitempty"`
	RawBody   int            `yaml:"raw_body_bytes,omitempty"`
	Timestamp time.Time      `yaml:"timestamp"`
	BuriedAt  *time.Time     `yaml:"buried_at,omitempty"`
	Reason    string         `yaml:"reason,omitempty"`
}

func toQueueRecord(r *queue.Record) queueRecord {
	return queueRecord{
		ID:        r.ID,
		Method:    r.Method,
		URL:       r.URL,
		Headers:   r.Headers,
		Body:      string(r.Body),
		RawBody:   len(r.RawBody),
		Timestamp: r.Timestamp,
	}
}

func newQueueCmd() *cobra.Command {
	var path string
	c := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the pending mutation queue.",
	}
	c.PersistentFlags().StringVarP(&path, "config", "c", "", "config file")

	withStore := func(f func(ctx context.Context, s queue.Store) error) error {
		cfg, _, err := loadFullConfig(path)
		if err != nil {
			return err
		}
		if err := cfg.init(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		if cfg.Queue.Backend == "memory" {
			return fmt.Errorf("queue backend is memory, nothing to inspect")
		}
		m := newQueueManager(&cfg.Queue, mlog.Nop())
		defer m.Close()
		ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
		defer cancel()
		return m.With(ctx, func(s queue.Store) error { return f(ctx, s) })
	}

	var dead bool
	list := &cobra.Command{
		Use:   "list [--dead]",
		Short: "List queued requests in replay order.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, s queue.Store) error {
				var out []queueRecord
				if dead {
					rs, err := s.ListDead(ctx)
					if err != nil {
						return err
					}
					for _, r := range rs {
						qr := toQueueRecord(&r.Record)
						qr.BuriedAt = &r.BuriedAt
						qr.Reason = r.Reason
						out = append(out, qr)
					}
				} else {
					rs, err := s.ListAll(ctx)
					if err != nil {
						return err
					}
					for _, r := range rs {
						out = append(out, toQueueRecord(r))
					}
				}
				enc := yaml.NewEncoder(os.Stdout)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(out)
			})
		},
		SilenceUsage: true,
	}
	list.Flags().BoolVar(&dead, "dead", false, "list permanently failed requests")

	count := &cobra.Command{
		Use:   "count",
		Short: "Print the number of queued requests.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, s queue.Store) error {
				n, err := s.Count(ctx)
				if err != nil {
					return err
				}
				fmt.Println(n)
				return nil
			})
		},
		SilenceUsage: true,
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop all queued requests.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, s queue.Store) error {
				n, err := s.Clear(ctx)
				if err != nil {
					return err
				}
				mlog.S().Infof("%d queued requests removed", n)
				return nil
			})
		},
		SilenceUsage: true,
	}

	c.AddCommand(list, count, clearCmd)
	return c
}
