package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/wbrown/janus-revstore/revstore"
	"github.com/wbrown/janus-revstore/revstore/annotations"
	"github.com/wbrown/janus-revstore/revstore/filter"
	"github.com/wbrown/janus-revstore/revstore/history"
	"github.com/wbrown/janus-revstore/revstore/store"
)

// conditions collects repeated -where flags
type conditions []string

func (c *conditions) String() string     { return strings.Join(*c, ",") }
func (c *conditions) Set(s string) error { *c = append(*c, s); return nil }

func main() {
	var (
		dbPath     string
		configPath string
		inMemory   bool
		demo       bool
		where      conditions
		has        conditions
		exclude    conditions
		strategy   string
		verify     bool
		rebuild    bool
		historyOf  uint64
		verbose    bool
		help       bool
	)

	flag.StringVar(&dbPath, "db", "", "database directory")
	flag.StringVar(&configPath, "config", "", "YAML options file")
	flag.BoolVar(&inMemory, "memory", false, "use a throwaway in-memory database")
	flag.BoolVar(&demo, "demo", false, "load demo data before querying")
	flag.Var(&where, "where", "attribute condition :ns/attr=value (repeatable)")
	flag.Var(&has, "has", "require attribute :ns/attr to be set (repeatable)")
	flag.Var(&exclude, "exclude", "exclude :ns/attr=value (repeatable)")
	flag.StringVar(&strategy, "strategy", "default", "chain strategy: default, main or local")
	flag.BoolVar(&verify, "verify", false, "check the indexed result against a linear scan")
	flag.BoolVar(&rebuild, "rebuild", false, "drop and rebuild every persisted index")
	flag.Uint64Var(&historyOf, "history", 0, "print the revision history of an artifact")
	flag.BoolVar(&verbose, "verbose", false, "show index and branching annotations")
	flag.BoolVar(&help, "h", false, "show help")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [database_dir]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Query a versioned artifact store through its bitmap indexes.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nValues are int64 when they parse as integers, booleans for true/false,\n")
		fmt.Fprintf(os.Stderr, "and strings otherwise. Quote a value to force a string.\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -memory -demo                          # Demo on a scratch database\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -db tasks.db -where :task/status=open  # Open tasks\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -db tasks.db -strategy main -verify    # Verify main chain heads\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -db tasks.db -history 42               # History of artifact 42\n", os.Args[0])
	}
	flag.Parse()

	if help {
		flag.Usage()
		os.Exit(0)
	}
	if dbPath == "" && flag.NArg() > 0 {
		dbPath = flag.Arg(0)
	}
	if dbPath == "" && !inMemory {
		dbPath = "revstore.db"
	}

	opts := store.DefaultOptions()
	if configPath != "" {
		var err error
		if opts, err = store.LoadOptions(configPath); err != nil {
			log.Fatalf("Failed to load options: %v", err)
		}
	}
	if verbose {
		formatter := annotations.NewOutputFormatter(os.Stderr)
		opts.Annotations = annotations.NewCollector(formatter.Handle)
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	} else {
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}

	s, err := revstore.ParseStrategy(strategy)
	if err != nil {
		log.Fatal(err)
	}
	f, err := buildFilter(where, has, exclude)
	if err != nil {
		log.Fatal(err)
	}

	var db *store.Database
	if inMemory {
		db, err = store.OpenInMemory(opts)
	} else {
		db, err = store.Open(dbPath, opts)
	}
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	if demo {
		if err := loadDemo(db); err != nil {
			log.Fatalf("Failed to load demo data: %v", err)
		}
	}
	if rebuild {
		if err := db.RebuildIndexes(ctx); err != nil {
			log.Fatalf("Rebuild failed: %v", err)
		}
		fmt.Println(color.YellowString("Indexes rebuilt."))
	}

	if historyOf != 0 {
		if err := printHistory(db, historyOf, s); err != nil {
			log.Fatalf("History failed: %v", err)
		}
		return
	}

	revs, err := db.EvaluateRevisions(ctx, f, s)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	fmt.Printf("%s under %s at %s\n\n", color.CyanString(f.String()), s, db.Tip())
	fmt.Print(formatRevisions(revs))

	if verify {
		ok, err := db.Verify(ctx, f, s)
		switch {
		case err != nil:
			log.Fatalf("Verification failed: %v", err)
		case ok:
			fmt.Println(color.GreenString("Indexes agree with a linear scan."))
		default:
			fmt.Println(color.RedString("Indexes disagreed with a linear scan and were rebuilt."))
			db.Close()
			os.Exit(1)
		}
	}
}

// buildFilter ANDs every condition; no condition selects all heads
func buildFilter(where, has, exclude []string) (*filter.Filter, error) {
	var parts []*filter.Filter
	for _, c := range where {
		k, v, err := parseCondition(c)
		if err != nil {
			return nil, err
		}
		parts = append(parts, filter.Eq(k, v))
	}
	for _, h := range has {
		parts = append(parts, filter.Has(revstore.NewKeyword(h)))
	}
	for _, c := range exclude {
		k, v, err := parseCondition(c)
		if err != nil {
			return nil, err
		}
		parts = append(parts, filter.Not(filter.Eq(k, v)))
	}
	if len(parts) == 0 {
		return filter.All(), nil
	}
	return filter.And(parts...), nil
}

func parseCondition(c string) (revstore.Keyword, revstore.Value, error) {
	attr, raw, ok := strings.Cut(c, "=")
	if !ok || !strings.HasPrefix(attr, ":") {
		return revstore.Keyword{}, nil, fmt.Errorf("bad condition %q, want :ns/attr=value", c)
	}
	return revstore.NewKeyword(attr), parseValue(raw), nil
}

func parseValue(raw string) revstore.Value {
	if s, err := strconv.Unquote(raw); err == nil && strings.HasPrefix(raw, `"`) {
		return s
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if raw == "true" || raw == "false" {
		return raw == "true"
	}
	return raw
}

func printHistory(db *store.Database, key uint64, s revstore.Strategy) error {
	art, err := db.Model().Artifact(key)
	if err != nil {
		return err
	}
	view, err := art.Chain(s)
	if err != nil {
		return err
	}
	revs, err := view.Revisions()
	if err != nil {
		return err
	}
	fmt.Printf("%s artifact %d under %s\n\n", color.CyanString("History of"), key, s)
	fmt.Print(formatRevisions(revs))
	if conflict, err := art.HasConflict(); err == nil && conflict {
		fmt.Println(color.RedString("The open local chain conflicts with the main chain."))
	}
	return nil
}

var (
	kwTitle    = revstore.NewKeyword(":task/title")
	kwStatus   = revstore.NewKeyword(":task/status")
	kwPriority = revstore.NewKeyword(":task/priority")
	kwOwner    = revstore.NewKeyword(":task/owner")
)

// loadDemo writes a handful of tasks, some edited locally, one in conflict
func loadDemo(db *store.Database) error {
	fmt.Println("Loading demo data...")
	var keys []uint64
	_, err := db.Update(func(tx *history.Transaction) error {
		keys = keys[:0]
		for i, title := range []string{"write parser", "fix index drift", "ship release", "update docs"} {
			c := tx.CreateArtifact(i%2 == 0).
				Set(kwTitle, title).
				Set(kwStatus, "open").
				Set(kwPriority, int64(i+1))
			keys = append(keys, c.ArtifactKey())
		}
		return nil
	})
	if err != nil {
		return err
	}
	arts := make([]*history.Artifact, len(keys))
	for i, k := range keys {
		if arts[i], err = db.Model().Artifact(k); err != nil {
			return err
		}
	}

	edit := func(art *history.Artifact, s revstore.Strategy, fn func(*history.RevisionCreator)) error {
		_, err := db.Update(func(tx *history.Transaction) error {
			c, err := art.Change(tx, s, 0)
			if err != nil {
				return err
			}
			fn(c)
			return nil
		})
		return err
	}
	steps := []struct {
		art *history.Artifact
		s   revstore.Strategy
		fn  func(*history.RevisionCreator)
	}{
		{arts[0], revstore.StrategyLocal, func(c *history.RevisionCreator) { c.Set(kwOwner, "me").Set(kwStatus, "in-progress") }},
		{arts[0], revstore.StrategyMainChain, func(c *history.RevisionCreator) { c.Set(kwStatus, "blocked") }},
		{arts[1], revstore.StrategyMainChain, func(c *history.RevisionCreator) { c.Set(kwStatus, "done") }},
		{arts[2], revstore.StrategyLocal, func(c *history.RevisionCreator) { c.Set(kwPriority, int64(9)) }},
		{arts[3], revstore.StrategyDefault, func(c *history.RevisionCreator) { c.SetDeleted(true) }},
	}
	for _, st := range steps {
		if err := edit(st.art, st.s, st.fn); err != nil {
			return err
		}
	}
	_, err = db.Update(arts[2].CloseLocalChain)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %d artifacts through %s\n\n", len(arts), db.Tip())
	return nil
}
