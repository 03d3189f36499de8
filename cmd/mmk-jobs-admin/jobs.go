package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/target/mmk-jobs/internal/bootstrap"
	"github.com/target/mmk-jobs/internal/domain/model"
)

type createJobOptions struct {
	Type           string
	Payload        string
	PayloadFile    string
	IdempotencyKey string
	Owner          string
	MaxAttempts    int
	Backoff        string
	BackoffBase    time.Duration
}

type jobRefOptions struct {
	ID    string
	Owner string
}

type listJobsOptions struct {
	Owner  string
	Status string
	Type   string
	Limit  int
	Offset int
	JSON   bool
}

func parseCreateJobFlags(args []string) (createJobOptions, error) {
	fs := flag.NewFlagSet("create-job", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts createJobOptions
	fs.StringVar(&opts.Type, "type", "", "Job type (required)")
	fs.StringVar(&opts.Payload, "payload", "", "JSON payload")
	fs.StringVar(&opts.PayloadFile, "payload-file", "", "Read the JSON payload from a file ('-' for stdin)")
	fs.StringVar(&opts.IdempotencyKey, "idempotency-key", "", "Idempotency key; a repeat returns the existing job")
	fs.StringVar(&opts.Owner, "owner", "", "Owner id")
	fs.IntVar(&opts.MaxAttempts, "max-attempts", 0, "Attempt ceiling (0 uses the queue default)")
	fs.StringVar(&opts.Backoff, "backoff", "", "Override backoff kind (fixed|exponential)")
	fs.DurationVar(&opts.BackoffBase, "backoff-base", 0, "Override backoff base delay (requires --backoff)")

	if err := fs.Parse(args); err != nil {
		return createJobOptions{}, err
	}

	opts.Type = strings.TrimSpace(opts.Type)
	if opts.Type == "" {
		return createJobOptions{}, errors.New("--type is required")
	}
	if opts.Payload != "" && opts.PayloadFile != "" {
		return createJobOptions{}, errors.New("--payload and --payload-file are mutually exclusive")
	}
	if opts.BackoffBase != 0 && opts.Backoff == "" {
		return createJobOptions{}, errors.New("--backoff-base requires --backoff")
	}
	return opts, nil
}

func (o createJobOptions) request(stdin io.Reader) (*model.CreateJobRequest, error) {
	req := &model.CreateJobRequest{
		Type:        model.JobType(o.Type),
		MaxAttempts: o.MaxAttempts,
	}

	switch {
	case o.PayloadFile == "-":
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		req.Payload = json.RawMessage(raw)
	case o.PayloadFile != "":
		raw, err := os.ReadFile(o.PayloadFile)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		req.Payload = json.RawMessage(raw)
	case o.Payload != "":
		req.Payload = json.RawMessage(o.Payload)
	}

	if o.IdempotencyKey != "" {
		req.IdempotencyKey = &o.IdempotencyKey
	}
	if o.Owner != "" {
		req.OwnerID = &o.Owner
	}
	if o.Backoff != "" {
		kind, err := model.ParseBackoffKind(o.Backoff)
		if err != nil {
			return nil, err
		}
		req.Dispatch = &model.DispatchOverrides{
			Backoff: &model.BackoffPolicy{Kind: kind, Base: o.BackoffBase},
		}
	}
	return req, nil
}

func runCreateJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseCreateJobFlags(args)
	if err != nil {
		return err
	}
	req, err := opts.request(os.Stdin)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		view, createErr := svc.Orchestrator.CreateJob(ctx, req)
		if createErr != nil {
			return fmt.Errorf("create job: %w", createErr)
		}
		return writeJSON(cmdCtx.Out, view)
	})
}

func parseJobRefFlags(name string, args []string, withOwner bool) (jobRefOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts jobRefOptions
	fs.StringVar(&opts.ID, "id", "", "Job id (required)")
	if withOwner {
		fs.StringVar(&opts.Owner, "owner", "", "Only match jobs owned by this id")
	}

	if err := fs.Parse(args); err != nil {
		return jobRefOptions{}, err
	}
	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		return jobRefOptions{}, errors.New("--id is required")
	}
	return opts, nil
}

func (o jobRefOptions) owner() *string {
	if o.Owner == "" {
		return nil
	}
	return &o.Owner
}

func runGetJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobRefFlags("get-job", args, true)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		view, getErr := svc.Orchestrator.GetJobByID(ctx, opts.ID, opts.owner())
		if getErr != nil {
			return fmt.Errorf("get job: %w", getErr)
		}
		return writeJSON(cmdCtx.Out, view)
	})
}

func parseListJobsFlags(args []string) (listJobsOptions, error) {
	fs := flag.NewFlagSet("list-jobs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts listJobsOptions
	fs.StringVar(&opts.Owner, "owner", "", "Owner id (empty lists every owner)")
	fs.StringVar(&opts.Status, "status", "", "Filter by status (PENDING, PROCESSING, COMPLETED, FAILED, CANCELLED)")
	fs.StringVar(&opts.Type, "type", "", "Filter by job type")
	fs.IntVar(&opts.Limit, "limit", model.DefaultListLimit, "Maximum number of jobs to return")
	fs.IntVar(&opts.Offset, "offset", 0, "Number of jobs to skip")
	fs.BoolVar(&opts.JSON, "json", false, "Print the page as JSON")

	if err := fs.Parse(args); err != nil {
		return listJobsOptions{}, err
	}
	if opts.Limit <= 0 {
		return listJobsOptions{}, errors.New("--limit must be greater than zero")
	}
	if opts.Offset < 0 {
		return listJobsOptions{}, errors.New("--offset must not be negative")
	}
	return opts, nil
}

func (o listJobsOptions) query() model.JobListOptions {
	q := model.JobListOptions{Limit: o.Limit, Offset: o.Offset}
	if o.Owner != "" {
		owner := o.Owner
		q.OwnerID = &owner
	}
	if o.Status != "" {
		status := model.JobStatus(strings.ToUpper(strings.TrimSpace(o.Status)))
		q.Status = &status
	}
	if o.Type != "" {
		jobType := model.JobType(strings.TrimSpace(o.Type))
		q.Type = &jobType
	}
	return q
}

func runListJobs(cmdCtx *commandContext, args []string) error {
	opts, err := parseListJobsFlags(args)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		page, listErr := svc.Orchestrator.GetJobsByOwner(ctx, opts.query())
		if listErr != nil {
			return fmt.Errorf("list jobs: %w", listErr)
		}
		if opts.JSON {
			return writeJSON(cmdCtx.Out, page)
		}
		return printJobTable(cmdCtx.Out, page)
	})
}

func printJobTable(out io.Writer, page *model.JobPage) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if err := writeln(w, "ID\tTYPE\tSTATUS\tATTEMPTS\tCREATED"); err != nil {
		return fmt.Errorf("write job table header: %w", err)
	}
	for _, job := range page.Items {
		if err := writef(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			job.ID,
			job.Type,
			job.Status,
			job.Attempts,
			job.MaxAttempts,
			job.CreatedAt.Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("write job row %s: %w", job.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush job table: %w", err)
	}
	return writef(out, "\n%d of %d jobs\n", len(page.Items), page.Total)
}

func runCancelJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobRefFlags("cancel-job", args, true)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		cancelled, cancelErr := svc.Orchestrator.CancelJob(ctx, opts.ID, opts.owner())
		if cancelErr != nil {
			return fmt.Errorf("cancel job: %w", cancelErr)
		}
		if !cancelled {
			return writef(cmdCtx.Out, "job %s is already terminal; nothing cancelled\n", opts.ID)
		}
		return writef(cmdCtx.Out, "job %s cancelled\n", opts.ID)
	})
}

func runRequeue(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobRefFlags("requeue", args, false)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		dispatched, requeueErr := svc.Orchestrator.Requeue(ctx, opts.ID)
		if requeueErr != nil {
			return fmt.Errorf("requeue job: %w", requeueErr)
		}
		if !dispatched {
			return writef(cmdCtx.Out, "job %s already has an engine item; nothing to do\n", opts.ID)
		}
		return writef(cmdCtx.Out, "job %s re-dispatched\n", opts.ID)
	})
}

func runInspectItem(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobRefFlags("inspect-item", args, false)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		item, inspectErr := svc.Orchestrator.InspectItem(ctx, opts.ID)
		if inspectErr != nil {
			return fmt.Errorf("inspect item: %w", inspectErr)
		}
		return writeJSON(cmdCtx.Out, item)
	})
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
