// Command pharmactl is the operator CLI for the pharmachain workflow engine.
// It seeds the sample chain, inspects inventory and the audit trail, archives
// audit exports and issues bearer tokens for seeded users.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"pharmachain/internal/adapters/auditexport"
	"pharmachain/internal/archive"
	"pharmachain/internal/config"
	"pharmachain/internal/core"
	"pharmachain/internal/events"
	"pharmachain/internal/identity"
	"pharmachain/internal/lock"
	"pharmachain/pkg/domain"
)

const usage = `usage: pharmactl <command> [flags]

commands:
  seed                                      load the sample chain into the store
  inventory -org CODE [-descendants]        list stock held by an organization
  audit [-table T] [-record ID] [-limit N]  print audit entries
  export-audit [-format json|csv]           archive the audit trail
  token -user USERNAME                      issue a bearer token for a user
  request -token T -type Dispatch|Return -target CODE -item SKU:BATCH:QTY...
                                            create a request as the token holder
  approve -token T -request ID [-decision Approved|Rejected] [-rationale R]
          [-step N] [-qty ITEM_ID=N...]     record an approval step
`

var (
	exitFunc   = os.Exit
	loadConfig = func() (config.Config, error) { return config.Load() }
)

func main() {
	exitFunc(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

type command func(ctx context.Context, a *app, args []string, stdout io.Writer) error

var commands = map[string]command{
	"seed":         seedCommand,
	"inventory":    inventoryCommand,
	"audit":        auditCommand,
	"export-audit": exportAuditCommand,
	"token":        tokenCommand,
	"request":      requestCommand,
	"approve":      approveCommand,
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "start: %v\n", err)
		return 1
	}
	defer a.close()

	if err := cmd(ctx, a, args[1:], stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		a.logger.Error("command failed", "command", args[0], "error", err)
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", args[0], err)
		return 1
	}
	return 0
}

type app struct {
	cfg      config.Config
	svc      *core.Service
	logger   *core.LogrusLogger
	metrics  *core.ExpvarMetricsRecorder
	registry *prometheus.Registry
	closers  []func() error
}

func newLogrus(cfg config.Config, out io.Writer) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(out)
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	l.SetLevel(level)
	if cfg.LogFormat == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l, nil
}

func newApp(ctx context.Context, cfg config.Config, logOut io.Writer) (*app, error) {
	base, err := newLogrus(cfg, logOut)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: core.NewLogrusLogger(base).With("component", "pharmactl")}

	policy, err := core.LoadPolicyFile(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	store, err := core.OpenStore(core.StorageOptions{
		Driver:      core.StorageDriver(cfg.StorageDriver),
		SQLitePath:  cfg.SQLitePath,
		PostgresDSN: cfg.PostgresDSN,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StorageDriver, err)
	}
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	opts := []core.Option{
		core.WithLogger(a.logger),
		core.WithPolicy(policy),
	}
	switch cfg.Metrics {
	case "prometheus":
		a.registry = prometheus.NewRegistry()
		rec, err := core.NewPrometheusMetricsRecorder(a.registry)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		opts = append(opts, core.WithMetricsRecorder(rec))
	default:
		a.metrics = core.NewExpvarMetricsRecorder("")
		opts = append(opts, core.WithMetricsRecorder(a.metrics))
	}
	if cfg.TraceFile != "" {
		f, err := os.OpenFile(cfg.TraceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		opts = append(opts, core.WithTracer(core.NewJSONTracer(f)))
	}
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:  cfg.KafkaBrokers,
			Topic:    cfg.KafkaTopic,
			Username: cfg.KafkaUsername,
			Password: cfg.KafkaPassword,
			TLS:      cfg.KafkaTLS,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		opts = append(opts, core.WithPublisher(pub))
	}
	if cfg.RedisAddr != "" {
		locker, client, err := lock.DialRedis(ctx, cfg.RedisAddr, lock.WithTTL(cfg.LockTTL))
		if err != nil {
			a.close()
			return nil, fmt.Errorf("dial redis: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		opts = append(opts, core.WithLocker(locker))
	}
	a.svc = core.NewService(store, opts...)
	a.logger.Debug("service ready", "storage", cfg.StorageDriver, "kafka", len(cfg.KafkaBrokers) > 0, "redis", cfg.RedisAddr != "")
	return a, nil
}

func (a *app) close() {
	if a.metrics != nil {
		snap := a.metrics.Snapshot()
		a.logger.Debug("operation metrics", "results", snap.Results, "durations_ms", snap.DurationsMS)
	}
	if a.registry != nil {
		if families, err := a.registry.Gather(); err != nil {
			a.logger.Warn("gather metrics", "error", err)
		} else {
			names := make([]string, 0, len(families))
			for _, mf := range families {
				names = append(names, mf.GetName())
			}
			a.logger.Debug("operation metrics", "families", names)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close resource", "error", err)
		}
	}
	a.closers = nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func seedCommand(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	data, err := core.Seed(ctx, a.svc)
	if err != nil {
		return err
	}
	type summary struct {
		Organizations []string `json:"organizations"`
		Users         []string `json:"users"`
		Product       string   `json:"product"`
		Batch         string   `json:"batch"`
	}
	out := summary{Product: data.Product.SKU, Batch: data.Batch.BatchNumber}
	for _, code := range []string{"MANUF001", "CFA001", "STOCK001"} {
		if _, ok := data.Organizations[code]; ok {
			out.Organizations = append(out.Organizations, code)
		}
	}
	for _, name := range []string{"admin", "manuf_user", "cfa_user", "stock_user"} {
		if _, ok := data.Users[name]; ok {
			out.Users = append(out.Users, name)
		}
	}
	return writeJSON(stdout, out)
}

func inventoryCommand(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("inventory", flag.ContinueOnError)
	code := fs.String("org", "", "organization code")
	desc := fs.Bool("descendants", false, "include stock held by descendant organizations")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*code) == "" {
		return errors.New("-org is required")
	}
	org, err := a.svc.FindOrganizationByCode(ctx, *code)
	if err != nil {
		return err
	}
	records, err := a.svc.GetInventory(ctx, org.ID, *desc)
	if err != nil {
		return err
	}
	if records == nil {
		records = []core.InventoryRecord{}
	}
	return writeJSON(stdout, records)
}

func auditCommand(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	table := fs.String("table", "", "restrict to one table")
	record := fs.String("record", "", "restrict to one record id")
	operation := fs.String("operation", "", "restrict to one operation")
	limit := fs.Int("limit", 0, "maximum number of entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entries, err := a.svc.ListAuditLogs(ctx, domain.AuditFilter{
		Table:     domain.EntityType(*table),
		RecordID:  *record,
		Operation: *operation,
		Limit:     *limit,
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func exportAuditCommand(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("export-audit", flag.ContinueOnError)
	format := fs.String("format", "", "json or csv (default both)")
	table := fs.String("table", "", "restrict to one table")
	reason := fs.String("reason", "", "reason recorded with the export")
	requestedBy := fs.String("requested-by", "pharmactl", "operator name recorded with the export")
	if err := fs.Parse(args); err != nil {
		return err
	}
	store, err := archive.Open(ctx, a.cfg.Archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	var formats []auditexport.Format
	if *format != "" {
		formats = []auditexport.Format{auditexport.Format(*format)}
	}
	worker := auditexport.NewWorker(a.svc, store, auditexport.WithLogger(a.logger))
	rec, err := worker.Export(ctx, auditexport.ExportInput{
		Filter:      domain.AuditFilter{Table: domain.EntityType(*table)},
		Formats:     formats,
		RequestedBy: *requestedBy,
		Reason:      *reason,
	})
	if err != nil {
		return err
	}
	return writeJSON(stdout, rec)
}

func tokenCommand(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	username := fs.String("user", "", "username to issue a token for")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*username) == "" {
		return errors.New("-user is required")
	}
	codec, err := identity.NewCodec(a.cfg.JWTSecret, a.cfg.TokenTTL)
	if err != nil {
		return err
	}
	user, err := a.svc.FindUserByUsername(ctx, *username)
	if err != nil {
		return err
	}
	token, err := codec.Issue(core.IdentityOf(user))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func (a *app) caller(token string) (domain.Identity, error) {
	if strings.TrimSpace(token) == "" {
		return domain.Identity{}, errors.New("-token is required")
	}
	codec, err := identity.NewCodec(a.cfg.JWTSecret, a.cfg.TokenTTL)
	if err != nil {
		return domain.Identity{}, err
	}
	return codec.Verify(token)
}

// parseItem reads SKU:BATCH:QTY.
func parseItem(ctx context.Context, svc *core.Service, raw string) (core.RequestItem, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return core.RequestItem{}, fmt.Errorf("item %q: want SKU:BATCH:QTY", raw)
	}
	qty, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return core.RequestItem{}, fmt.Errorf("item %q: %w", raw, err)
	}
	product, batch, err := svc.FindBatchByNumber(ctx, parts[0], parts[1])
	if err != nil {
		return core.RequestItem{}, err
	}
	return core.RequestItem{ProductID: product.ID, BatchID: batch.ID, RequestedQuantity: qty}, nil
}

func requestCommand(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("request", flag.ContinueOnError)
	token := fs.String("token", "", "bearer token of the initiator")
	reqType := fs.String("type", string(domain.RequestDispatch), "Dispatch or Return")
	target := fs.String("target", "", "target organization code")
	notes := fs.String("notes", "", "free-form notes")
	var items listFlag
	fs.Var(&items, "item", "SKU:BATCH:QTY, repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	caller, err := a.caller(*token)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*target) == "" {
		return errors.New("-target is required")
	}
	org, err := a.svc.FindOrganizationByCode(ctx, *target)
	if err != nil {
		return err
	}
	in := core.CreateRequestInput{Type: domain.RequestType(*reqType), TargetOrgID: org.ID, Notes: *notes}
	for _, raw := range items {
		item, err := parseItem(ctx, a.svc, raw)
		if err != nil {
			return err
		}
		in.Items = append(in.Items, item)
	}
	req, err := a.svc.CreateRequest(ctx, caller, in)
	if err != nil {
		return err
	}
	return writeJSON(stdout, req)
}

func approveCommand(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	token := fs.String("token", "", "bearer token of the approver")
	requestID := fs.String("request", "", "request id")
	decision := fs.String("decision", string(domain.DecisionApproved), "Approved or Rejected")
	rationale := fs.String("rationale", "", "rationale, required when rejecting")
	step := fs.Int("step", 0, "expected step, 0 for the next one")
	var overrides listFlag
	fs.Var(&overrides, "qty", "ITEM_ID=N approved quantity override, repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	caller, err := a.caller(*token)
	if err != nil {
		return err
	}
	in := core.ApprovalInput{
		RequestID: *requestID,
		Decision:  domain.Decision(*decision),
		Rationale: *rationale,
		Step:      *step,
	}
	if len(overrides) > 0 {
		in.ApprovedQuantities = make(map[string]int64, len(overrides))
		for _, raw := range overrides {
			id, n, ok := strings.Cut(raw, "=")
			if !ok {
				return fmt.Errorf("qty %q: want ITEM_ID=N", raw)
			}
			q, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return fmt.Errorf("qty %q: %w", raw, err)
			}
			in.ApprovedQuantities[id] = q
		}
	}
	req, err := a.svc.ApplyApproval(ctx, caller, in)
	if req.ID != "" {
		if werr := writeJSON(stdout, req); werr != nil {
			return werr
		}
	}
	return err
}
