package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/linkhub/linkhub/serv"
	"github.com/spf13/cobra"
)

const (
	checkTimeout = 5 * time.Second

	statusOK     = "ok"
	statusFailed = "failed"
)

var (
	checkVerbose bool
	checkJSON    bool
)

// checkReport collects the outcome of each dependency check
type checkReport struct {
	Success  bool            `json:"success"`
	Services []ServiceStatus `json:"services"`
	Error    string          `json:"error,omitempty"`
	Duration string          `json:"duration"`

	start time.Time
}

// ServiceStatus holds the status of a single dependency
type ServiceStatus struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Note    string `json:"note,omitempty"`
}

func newCheckReport() *checkReport {
	return &checkReport{Success: true, start: time.Now()}
}

// add records a status. A non-nil err marks the report failed; the first
// error wins.
func (r *checkReport) add(st ServiceStatus, err error) bool {
	r.Services = append(r.Services, st)
	if err != nil && r.Success {
		r.Success = false
		r.Error = err.Error()
	}
	return err == nil
}

func (r *checkReport) write(w io.Writer, asJSON, verbose bool) error {
	r.Duration = time.Since(r.start).Round(time.Millisecond).String()

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, st := range r.Services {
		status := strings.ToUpper(st.Status)

		var extra []string
		if verbose && st.Latency != "" {
			extra = append(extra, st.Latency)
		}
		if st.Note != "" && (verbose || st.Status == statusFailed) {
			extra = append(extra, st.Note)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", st.Name, st.Type, status, strings.Join(extra, " - "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if r.Success {
		_, err := fmt.Fprintf(w, "\nAll services validated (%s)\n", r.Duration)
		return err
	}
	_, err := fmt.Fprintf(w, "\nService validation failed: %s (%s)\n", r.Error, r.Duration)
	return err
}

func checkCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "check",
		Short: "Validate config and test connectivity to Redis and Postgres",
		Long: `Validate configuration and test connectivity to:
- Redis cache (if configured)
- Postgres database

Exit codes:
  0 - All services validated successfully
  1 - Configuration or service connection failed`,
		Run: cmdCheck,
	}
	c.Flags().BoolVarP(&checkVerbose, "verbose", "v", false, "Show detailed output for each service")
	c.Flags().BoolVar(&checkJSON, "json", false, "Output results in JSON format")
	return c
}

func cmdCheck(cmd *cobra.Command, args []string) {
	setup(cpath)

	r := newCheckReport()
	r.add(ServiceStatus{Name: "config", Type: "yaml", Status: statusOK, Note: cpath}, nil)

	if r.add(checkCache()) {
		r.add(checkDatabase())
	}

	if err := r.write(os.Stdout, checkJSON, checkVerbose); err != nil {
		log.Errorf("writing report: %s", err)
	}
	if !r.Success {
		os.Exit(1)
	}
}

// checkCache fails only when Redis is configured and unreachable
func checkCache() (ServiceStatus, error) {
	if conf.Redis.URL == "" {
		return ServiceStatus{
			Name:   "cache",
			Type:   serv.StoreMemory,
			Status: statusOK,
			Note:   "in-memory fallback",
		}, nil
	}

	start := time.Now()
	store, err := serv.NewRedisStore(conf.Redis.URL, checkTimeout)
	if err != nil {
		return ServiceStatus{
			Name:   "cache",
			Type:   serv.StoreRedis,
			Status: statusFailed,
			Note:   err.Error(),
		}, fmt.Errorf("redis: %w", err)
	}
	store.Close() //nolint:errcheck

	return ServiceStatus{
		Name:    "cache",
		Type:    serv.StoreRedis,
		Status:  statusOK,
		Latency: time.Since(start).String(),
	}, nil
}

func checkDatabase() (ServiceStatus, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	dir, err := serv.NewPGDirectory(ctx, conf.Database)
	if err != nil {
		return ServiceStatus{
			Name:   "database",
			Type:   "postgres",
			Status: statusFailed,
			Note:   err.Error(),
		}, fmt.Errorf("database: %w", err)
	}
	defer dir.Close()

	return ServiceStatus{
		Name:    "database",
		Type:    "postgres",
		Status:  statusOK,
		Latency: time.Since(start).String(),
	}, nil
}
