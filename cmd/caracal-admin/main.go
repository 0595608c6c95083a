// caracal-admin is the management CLI: principal registration, policy and
// mandate lifecycle, ledger verification, audit export, snapshots, and
// event replay. Exit codes: 0 success, 1 general failure, 2 bad arguments,
// 3 validation failed, 4 dependency unavailable, 5 policy denied.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/caracal-sh/caracal/pkg/caracalerr"
	"github.com/caracal-sh/caracal/pkg/config"
	"github.com/caracal-sh/caracal/pkg/crypto"
	"github.com/caracal-sh/caracal/pkg/eventbus"
	"github.com/caracal-sh/caracal/pkg/ledgerwriter"
	"github.com/caracal-sh/caracal/pkg/mandate"
	"github.com/caracal-sh/caracal/pkg/merklebatch"
	"github.com/caracal-sh/caracal/pkg/policy"
	"github.com/caracal-sh/caracal/pkg/principal"
	"github.com/caracal-sh/caracal/pkg/snapshot"
)

const (
	exitOK = iota
	exitFailure
	exitBadArgs
	exitValidation
	exitDependency
	exitPolicyDenied
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return exitBadArgs
	}

	ctx := context.Background()
	env, err := newEnv(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitDependency
	}
	defer env.close()

	var cmdErr error
	switch args[0] {
	case "principal":
		cmdErr = env.principalCmd(ctx, args[1:])
	case "policy":
		cmdErr = env.policyCmd(ctx, args[1:])
	case "mandate":
		cmdErr = env.mandateCmd(ctx, args[1:])
	case "verify-event":
		cmdErr = env.verifyEventCmd(ctx, args[1:])
	case "export":
		cmdErr = env.exportCmd(ctx, args[1:])
	case "snapshot":
		cmdErr = env.snapshotCmd(ctx, args[1:])
	case "replay":
		cmdErr = env.replayCmd(ctx, args[1:])
	case "bootstrap":
		cmdErr = env.bootstrapCmd(ctx, args[1:])
	default:
		usage()
		return exitBadArgs
	}

	if cmdErr == nil {
		return exitOK
	}
	fmt.Fprintln(os.Stderr, "error:", cmdErr)
	return exitCode(cmdErr)
}

func exitCode(err error) int {
	var badArgs *badArgsError
	if errors.As(err, &badArgs) {
		return exitBadArgs
	}
	switch caracalerr.KindOf(err) {
	case caracalerr.KindValidation:
		return exitValidation
	case caracalerr.KindDependencyUnavailable, caracalerr.KindTransient:
		return exitDependency
	case caracalerr.KindMandateIntegrity:
		return exitPolicyDenied
	case caracalerr.KindNotFound:
		return exitValidation
	default:
		return exitFailure
	}
}

type badArgsError struct{ msg string }

func (e *badArgsError) Error() string { return e.msg }

func badArgs(format string, args ...any) error {
	return &badArgsError{msg: fmt.Sprintf(format, args...)}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: caracal-admin <command>

commands:
  principal  register | list | deactivate
  policy     create | deactivate | history
  mandate    issue | delegate | revoke | show
  verify-event <event_id>
  export     --principal <id> [--format json|csv|syslog]
  snapshot   take | restore <name>
  replay     --group <g> --from <RFC3339>
  bootstrap  --file <seed.yaml>`)
}

// adminBus is the slice of the bus the CLI needs: publishing events and
// rewinding offsets for replay.
type adminBus interface {
	eventbus.Producer
	eventbus.OffsetResetter
}

// memoryAdminBus adapts the in-memory bus for dry-run mode.
type memoryAdminBus struct{ bus *eventbus.MemoryBus }

func (m memoryAdminBus) Send(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	return m.bus.Send(ctx, topic, key, value, headers)
}

func (m memoryAdminBus) ResetToTimestamp(_ context.Context, group string, topics []string, t time.Time) error {
	m.bus.ResetToTimestamp(group, topics, t)
	return nil
}

// env bundles the shared wiring every subcommand needs.
type env struct {
	cfg        *config.Config
	db         *sql.DB
	dryRun     bool
	hsm        *crypto.SoftHSM
	ring       *crypto.KeyRing
	principals principal.Store
	policies   policy.Store
	mandates   mandate.Store
	ledger     ledgerwriter.Store
	batches    merklebatch.Store
	bus        adminBus
	publisher  *eventbus.Publisher
}

func newEnv(ctx context.Context) (*env, error) {
	cfg := config.Load()

	hsmSetup := func() (*crypto.SoftHSM, *crypto.KeyRing, error) {
		hsm, err := crypto.NewSoftHSM(cfg.HSMKeyDir)
		if err != nil {
			return nil, nil, err
		}
		ring := crypto.NewKeyRing()
		primary, err := hsm.GetSigner(cfg.SigningKeyID)
		if err != nil {
			return nil, nil, err
		}
		ring.AddKey(primary)
		return hsm, ring, nil
	}

	// Dry-run mode: every store in memory, no database or Redis needed.
	// Useful for rehearsing a bootstrap seed or a scope layout offline.
	if os.Getenv("CARACAL_DRY_RUN") != "" {
		hsm, ring, err := hsmSetup()
		if err != nil {
			return nil, err
		}
		memBus := eventbus.NewMemoryBus(1)
		bus := memoryAdminBus{bus: memBus}
		return &env{
			cfg:        cfg,
			dryRun:     true,
			hsm:        hsm,
			ring:       ring,
			principals: principal.NewMemoryStore(),
			policies:   policy.NewMemoryStore(),
			mandates:   mandate.NewMemoryStore(),
			ledger:     ledgerwriter.NewMemoryStore(),
			batches:    merklebatch.NewMemoryStore(),
			bus:        bus,
			publisher:  eventbus.NewPublisher(bus),
		}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, caracalerr.DependencyUnavailable("database open failed", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, caracalerr.DependencyUnavailable("database unreachable", err)
	}

	hsm, ring, err := hsmSetup()
	if err != nil {
		db.Close()
		return nil, err
	}

	bus := eventbus.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword, 0, cfg.EventBusStreamPartitions)

	return &env{
		cfg:        cfg,
		db:         db,
		hsm:        hsm,
		ring:       ring,
		principals: principal.NewPostgresStore(db),
		policies:   policy.NewPostgresStore(db),
		mandates:   mandate.NewPostgresStore(db),
		ledger:     ledgerwriter.NewPostgresStore(db),
		batches:    merklebatch.NewPostgresStore(db),
		bus:        bus,
		publisher:  eventbus.NewPublisher(bus),
	}, nil
}

func (e *env) replayStore() eventbus.ReplayStore {
	if e.dryRun {
		return eventbus.NewMemoryReplayStore()
	}
	return eventbus.NewPostgresReplayStore(e.db)
}

func (e *env) close() {
	if e.db != nil {
		_ = e.db.Close()
	}
}

func (e *env) principalCmd(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return badArgs("principal: subcommand required")
	}
	switch args[0] {
	case "register":
		fs := flag.NewFlagSet("principal register", flag.ContinueOnError)
		name := fs.String("name", "", "unique principal name")
		owner := fs.String("owner", "", "owning team or person")
		ptype := fs.String("type", "agent", "user | agent | service")
		parent := fs.String("parent", "", "optional parent principal id")
		if err := fs.Parse(args[1:]); err != nil {
			return badArgs("%v", err)
		}
		p, err := principal.Register(ctx, e.principals, principal.Principal{
			Name: *name, Owner: *owner, Type: principal.Type(*ptype), ParentID: *parent,
		})
		if err != nil {
			return err
		}
		e.publishLifecycle(ctx, p.PrincipalID, "created")
		return printJSON(p)
	case "list":
		list, err := e.principals.List(ctx)
		if err != nil {
			return caracalerr.DependencyUnavailable("principal list failed", err)
		}
		return printJSON(list)
	case "deactivate":
		if len(args) < 2 {
			return badArgs("principal deactivate: id required")
		}
		if err := principal.Deactivate(ctx, e.principals, args[1]); err != nil {
			return err
		}
		e.publishLifecycle(ctx, args[1], "deactivated")
		return nil
	default:
		return badArgs("principal: unknown subcommand %q", args[0])
	}
}

func (e *env) publishLifecycle(ctx context.Context, principalID, lifecycle string) {
	_ = e.publisher.PublishLifecycle(ctx, principalID, lifecycle)
}

func (e *env) policyCmd(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return badArgs("policy: subcommand required")
	}
	mgr := policy.NewManager(e.policies, e.publisher)
	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("policy create", flag.ContinueOnError)
		principalID := fs.String("principal", "", "principal id")
		resources := fs.String("resources", "", "comma-separated resource patterns")
		actions := fs.String("actions", "", "comma-separated actions")
		maxValidity := fs.Int64("max-validity", 3600, "max mandate validity seconds")
		allowDelegation := fs.Bool("allow-delegation", false, "permit delegation")
		maxDepth := fs.Int("max-depth", 1, "max delegation depth")
		changedBy := fs.String("by", "caracal-admin", "operator identity")
		reason := fs.String("reason", "", "change reason")
		if err := fs.Parse(args[1:]); err != nil {
			return badArgs("%v", err)
		}
		p, err := mgr.Create(ctx, policy.Policy{
			PrincipalID:             *principalID,
			AllowedResourcePatterns: splitList(*resources),
			AllowedActions:          splitList(*actions),
			MaxValiditySeconds:      *maxValidity,
			AllowDelegation:         *allowDelegation,
			MaxDelegationDepth:      *maxDepth,
		}, *changedBy, *reason)
		if err != nil {
			return err
		}
		return printJSON(p)
	case "deactivate":
		fs := flag.NewFlagSet("policy deactivate", flag.ContinueOnError)
		principalID := fs.String("principal", "", "principal id")
		changedBy := fs.String("by", "caracal-admin", "operator identity")
		reason := fs.String("reason", "", "change reason")
		if err := fs.Parse(args[1:]); err != nil {
			return badArgs("%v", err)
		}
		return mgr.Deactivate(ctx, *principalID, *changedBy, *reason)
	case "history":
		if len(args) < 2 {
			return badArgs("policy history: principal id required")
		}
		history, err := e.policies.History(ctx, args[1])
		if err != nil {
			return caracalerr.DependencyUnavailable("policy history failed", err)
		}
		return printJSON(history)
	default:
		return badArgs("policy: unknown subcommand %q", args[0])
	}
}

func (e *env) mandateCmd(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return badArgs("mandate: subcommand required")
	}
	mgr := mandate.NewManager(e.mandates, e.policies, e.hsm, e.publisher)
	switch args[0] {
	case "issue":
		fs := flag.NewFlagSet("mandate issue", flag.ContinueOnError)
		issuer := fs.String("issuer", "", "issuing principal id")
		subject := fs.String("subject", "", "subject principal id")
		resources := fs.String("resources", "", "comma-separated resource patterns")
		actions := fs.String("actions", "", "comma-separated actions")
		validity := fs.Duration("validity", 30*time.Minute, "validity window")
		intent := fs.String("intent", "", "optional JSON intent")
		if err := fs.Parse(args[1:]); err != nil {
			return badArgs("%v", err)
		}
		parsedIntent, err := parseIntent(*intent)
		if err != nil {
			return err
		}
		m, err := mgr.Issue(ctx, mandate.IssueRequest{
			IssuerID: *issuer, SubjectID: *subject,
			ResourceScope: splitList(*resources), ActionScope: splitList(*actions),
			Validity: *validity, Intent: parsedIntent,
		})
		if err != nil {
			return err
		}
		return e.printMandateWithToken(m)
	case "delegate":
		fs := flag.NewFlagSet("mandate delegate", flag.ContinueOnError)
		parent := fs.String("parent", "", "parent mandate id")
		subject := fs.String("subject", "", "child subject principal id")
		resources := fs.String("resources", "", "comma-separated resource patterns")
		actions := fs.String("actions", "", "comma-separated actions")
		validity := fs.Duration("validity", 30*time.Minute, "validity window")
		if err := fs.Parse(args[1:]); err != nil {
			return badArgs("%v", err)
		}
		m, err := mgr.Delegate(ctx, mandate.DelegateRequest{
			ParentMandateID: *parent, SubjectID: *subject,
			ResourceScope: splitList(*resources), ActionScope: splitList(*actions),
			Validity: *validity,
		})
		if err != nil {
			return err
		}
		return e.printMandateWithToken(m)
	case "revoke":
		fs := flag.NewFlagSet("mandate revoke", flag.ContinueOnError)
		id := fs.String("id", "", "mandate id")
		revoker := fs.String("by", "caracal-admin", "operator identity")
		reason := fs.String("reason", "", "revocation reason")
		cascade := fs.Bool("cascade", true, "revoke descendants")
		if err := fs.Parse(args[1:]); err != nil {
			return badArgs("%v", err)
		}
		revoked, err := mgr.Revoke(ctx, *id, *revoker, *reason, *cascade)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"revoked": revoked})
	case "show":
		if len(args) < 2 {
			return badArgs("mandate show: id required")
		}
		m, err := e.mandates.Get(ctx, args[1])
		if err != nil {
			return caracalerr.DependencyUnavailable("mandate lookup failed", err)
		}
		if m == nil {
			return caracalerr.NotFound("mandate " + args[1] + " not found")
		}
		return printJSON(m)
	default:
		return badArgs("mandate: unknown subcommand %q", args[0])
	}
}

func (e *env) printMandateWithToken(m *mandate.Mandate) error {
	signer, err := e.hsm.GetSigner(m.IssuerID)
	if err != nil {
		return err
	}
	token, err := mandate.NewTokenCodec(e.hsm).Encode(m, signer)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"mandate": m, "token": token})
}

func (e *env) verifyEventCmd(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return badArgs("verify-event: event id required")
	}
	var eventID int64
	if _, err := fmt.Sscanf(args[0], "%d", &eventID); err != nil {
		return badArgs("verify-event: %q is not an event id", args[0])
	}
	batcher := merklebatch.NewBatcher(e.ledger, e.batches, e.ring, merklebatch.DefaultConfig(), nil)
	result, err := batcher.VerifyEvent(ctx, eventID)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (e *env) snapshotCmd(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return badArgs("snapshot: subcommand required")
	}
	snapshotter := snapshot.NewSnapshotter(e.principals, e.policies, e.mandates, e.ledger, e.ring)
	store, err := snapshot.OpenStore(ctx, snapshot.BackendConfig{
		Backend:    snapshot.Backend(e.cfg.SnapshotBackend),
		Dir:        e.cfg.SnapshotDir,
		S3Bucket:   e.cfg.SnapshotS3Bucket,
		S3Region:   e.cfg.SnapshotS3Region,
		S3Endpoint: e.cfg.SnapshotS3Endpoint,
		S3Prefix:   e.cfg.SnapshotS3Prefix,
		GCSBucket:  e.cfg.SnapshotGCSBucket,
		GCSPrefix:  e.cfg.SnapshotGCSPrefix,
	})
	if err != nil {
		return err
	}
	switch args[0] {
	case "take":
		signed, err := snapshotter.Take(ctx)
		if err != nil {
			return err
		}
		name, err := snapshot.Save(ctx, store, signed)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"name": name, "snapshot_id": signed.Snapshot.SnapshotID,
			"last_included_event_id": signed.Snapshot.LastIncludedEventID,
		})
	case "restore":
		if len(args) < 2 {
			return badArgs("snapshot restore: name required")
		}
		signed, err := snapshot.Load(ctx, store, args[1])
		if err != nil {
			return err
		}
		replays := eventbus.NewReplayManager(e.bus, e.replayStore())
		run, err := snapshot.Restore(ctx, signed, e.ring, e.principals, e.policies, e.mandates,
			replays, []string{"ledger-writer"})
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"restored": signed.Snapshot.SnapshotID, "replay": run})
	default:
		return badArgs("snapshot: unknown subcommand %q", args[0])
	}
}

func (e *env) replayCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	group := fs.String("group", "ledger-writer", "consumer group")
	from := fs.String("from", "", "RFC3339 timestamp to rewind to")
	topics := fs.String("topics", eventbus.TopicAuthority+","+eventbus.TopicMetering, "comma-separated topics")
	if err := fs.Parse(args); err != nil {
		return badArgs("%v", err)
	}
	t, err := time.Parse(time.RFC3339, *from)
	if err != nil {
		return badArgs("replay: --from must be RFC3339: %v", err)
	}
	replays := eventbus.NewReplayManager(e.bus, e.replayStore())
	run, err := replays.Start(ctx, *group, splitList(*topics), t)
	if err != nil {
		return err
	}
	return printJSON(run)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseIntent(raw string) (mandate.Intent, error) {
	if raw == "" {
		return nil, nil
	}
	var intent mandate.Intent
	if err := json.Unmarshal([]byte(raw), &intent); err != nil {
		return nil, caracalerr.Validation("intent", fmt.Sprintf("not valid JSON: %v", err))
	}
	return intent, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

