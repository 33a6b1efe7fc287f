package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"autochat/internal/app"
	"autochat/internal/task/scheduler"
)

func statusCmd(cfgPath *string) *cobra.Command {
	var addr, token string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running bot's scheduler status",
		Long: `Queries GET /status on the bot's HTTP API. The address and token default
to http.addr and http.token from the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" || token == "" {
				if cfg, err := app.LoadConfig(*cfgPath); err == nil {
					if addr == "" {
						addr = cfg.HTTP.Addr
					}
					if token == "" {
						token = cfg.HTTP.Token
					}
				}
			}
			if addr == "" {
				addr = "127.0.0.1:8080"
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			body, err := fetchStatus(ctx, addr, token)
			if err != nil {
				return err
			}
			if asJSON {
				_, err := cmd.OutOrStdout().Write(body)
				return err
			}
			var st scheduler.Status
			if err := json.Unmarshal(body, &st); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP API address (host:port)")
	cmd.Flags().StringVar(&token, "token", "", "HTTP API bearer token")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON")
	return cmd
}

func fetchStatus(ctx context.Context, addr, token string) ([]byte, error) {
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(url, "/")+"/status", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bot not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func printStatus(w io.Writer, st scheduler.Status) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	state := green("running")
	switch {
	case !st.Enabled:
		state = yellow("disabled")
	case st.Error != "":
		state = red("error")
	case !st.Initialized:
		state = yellow("starting")
	}
	window := green("inside")
	if !st.InActiveWindow {
		window = yellow("outside")
	}
	target := st.TargetType
	if target == "" {
		target = "any"
	}

	fmt.Fprintf(w, "Scheduler:    %s\n", state)
	if st.Error != "" {
		fmt.Fprintf(w, "Error:        %s\n", red(st.Error))
	}
	fmt.Fprintf(w, "Active hours: %s %s (%s, hour %d)\n", st.ActiveHours, window, st.Timezone, st.CurrentHour)
	fmt.Fprintf(w, "Delay:        %s - %s\n", st.MinDelay, st.MaxDelay)
	fmt.Fprintf(w, "Target type:  %s\n", target)
	fmt.Fprintf(w, "Active tasks: %d\n", st.ActiveCount)
	if len(st.Tasks) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tKIND\tID\tIN\tTARGET")
	for _, t := range st.Tasks {
		tt := t.TargetType
		if tt == "" {
			tt = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", t.Seq, t.Kind, t.ID, scheduler.FormatDelay(t.TimeRemaining), tt)
	}
	_ = tw.Flush()
}
