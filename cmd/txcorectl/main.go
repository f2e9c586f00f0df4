// Command txcorectl is the operator CLI for a txsystem.System data
// directory: initialize one, run a scripted sequence of transactions
// against it, dump its live stats, or serve the admin introspection RPC.
// Subcommand dispatch is a plain os.Args[1] switch feeding a
// per-subcommand flag.FlagSet.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"gopkg.in/yaml.v3"

	"github.com/weaverdb/weaverdb-sub002/internal/admin"
	"github.com/weaverdb/weaverdb-sub002/internal/page"
	"github.com/weaverdb/weaverdb-sub002/internal/txsystem"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(os.Args[2:])
	case "run":
		err = runScript(os.Args[2:])
	case "dump":
		err = runDump(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "txcorectl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: txcorectl <init|run|dump|serve> [flags]")
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dataDir := fs.String("data", "./txcore-data", "data directory to create")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg := txsystem.DefaultConfig(*dataDir)
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	cfgPath := filepath.Join(*dataDir, "txcore.yaml")
	if err := txsystem.WriteConfig(cfgPath, cfg); err != nil {
		return err
	}
	sys, err := txsystem.Open(cfg)
	if err != nil {
		return err
	}
	defer sys.Close()
	fmt.Printf("initialized %s (config: %s)\n", *dataDir, cfgPath)
	return nil
}

func openSystem(configFlag *string) (*txsystem.System, error) {
	cfg, err := txsystem.LoadConfig(*configFlag)
	if err != nil {
		return nil, err
	}
	return txsystem.Open(cfg)
}

// runScript interprets a line-oriented transaction script:
//
//	create <relation>
//	begin
//	insert <relation> <text...>
//	read <relation> <block> <offset>
//	delete <relation> <block> <offset>
//	scan <relation>
//	commit
//	abort
//	checkpoint
//
// One transaction is open at a time; begin/commit/abort bracket it.
func runScript(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./txcore-data/txcore.yaml", "path to txcore.yaml")
	scriptPath := fs.String("script", "", "path to a script file (defaults to stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sys, err := openSystem(cfgPath)
	if err != nil {
		return err
	}
	defer sys.Close()

	in := os.Stdin
	if *scriptPath != "" {
		f, err := os.Open(*scriptPath)
		if err != nil {
			return fmt.Errorf("open script: %w", err)
		}
		defer f.Close()
		in = f
	}

	ctx := context.Background()
	var tx *txsystem.Tx
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "create":
			if _, err := sys.CreateRelation(fields[1], 0); err != nil {
				return err
			}
		case "begin":
			tx, err = sys.BeginTx(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("begin xid=%d\n", tx.XID())
		case "insert":
			if tx == nil {
				return errors.New("insert outside of a transaction")
			}
			rel, ok := sys.LookupRelation(fields[1])
			if !ok {
				return fmt.Errorf("unknown relation %q", fields[1])
			}
			payload := []byte(strings.Join(fields[2:], " "))
			tid, err := tx.InsertTuple(rel, payload)
			if err != nil {
				return err
			}
			fmt.Printf("insert %s -> %s\n", fields[1], tid)
		case "read":
			if tx == nil {
				return errors.New("read outside of a transaction")
			}
			rel, ok := sys.LookupRelation(fields[1])
			if !ok {
				return fmt.Errorf("unknown relation %q", fields[1])
			}
			tid, err := parseTID(fields[2], fields[3])
			if err != nil {
				return err
			}
			payload, visible, err := tx.FetchTuple(rel, tid)
			if err != nil {
				return err
			}
			fmt.Printf("read %s %v -> visible=%v payload=%q\n", fields[1], tid, visible, payload)
		case "delete":
			if tx == nil {
				return errors.New("delete outside of a transaction")
			}
			rel, ok := sys.LookupRelation(fields[1])
			if !ok {
				return fmt.Errorf("unknown relation %q", fields[1])
			}
			tid, err := parseTID(fields[2], fields[3])
			if err != nil {
				return err
			}
			if err := tx.DeleteTuple(rel, tid); err != nil {
				return err
			}
		case "scan":
			if tx == nil {
				return errors.New("scan outside of a transaction")
			}
			rel, ok := sys.LookupRelation(fields[1])
			if !ok {
				return fmt.Errorf("unknown relation %q", fields[1])
			}
			rows, err := tx.ScanRelation(ctx, rel)
			if err != nil {
				return err
			}
			for _, row := range rows {
				fmt.Printf("scan %s -> %q\n", fields[1], row)
			}
		case "commit":
			if tx == nil {
				return errors.New("commit outside of a transaction")
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			tx = nil
		case "abort":
			if tx == nil {
				return errors.New("abort outside of a transaction")
			}
			tx.Abort(errors.New("script abort"))
			tx = nil
		case "checkpoint":
			if err := sys.Checkpoint(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown script command %q", fields[0])
		}
	}
	return scanner.Err()
}

func parseTID(blockStr, offsetStr string) (page.ItemPointer, error) {
	block, err := strconv.ParseUint(blockStr, 10, 32)
	if err != nil {
		return page.ItemPointer{}, fmt.Errorf("bad block number %q: %w", blockStr, err)
	}
	offset, err := strconv.ParseUint(offsetStr, 10, 16)
	if err != nil {
		return page.ItemPointer{}, fmt.Errorf("bad offset %q: %w", offsetStr, err)
	}
	return page.ItemPointer{Block: uint32(block), Offset: uint16(offset)}, nil
}

func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	cfgPath := fs.String("config", "./txcore-data/txcore.yaml", "path to txcore.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sys, err := openSystem(cfgPath)
	if err != nil {
		return err
	}
	defer sys.Close()

	out := struct {
		Buffers    any      `yaml:"buffers"`
		NextLSN    uint64   `yaml:"next_lsn"`
		Relations  []string `yaml:"relations"`
		Watermarks any      `yaml:"watermarks"`
	}{
		Buffers:    sys.Buffers().Stats(),
		NextLSN:    uint64(sys.WAL().NextLSN()),
		Relations:  sys.RelationNames(),
		Watermarks: sys.Bus().Watermarks(),
	}
	enc := yaml.NewEncoder(os.Stdout)
	defer enc.Close()
	return enc.Encode(out)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "./txcore-data/txcore.yaml", "path to txcore.yaml")
	addr := fs.String("addr", ":9191", "gRPC listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sys, err := openSystem(cfgPath)
	if err != nil {
		return err
	}
	defer sys.Close()

	if err := sys.StartScheduler(); err != nil {
		return err
	}
	defer sys.StopScheduler()

	encoding.RegisterCodec(admin.JSONCodec{})
	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", *addr, err)
	}
	gs := grpc.NewServer()
	admin.Register(gs, admin.NewServer(sys))
	fmt.Printf("txcorectl admin listening on %s\n", *addr)
	return gs.Serve(lis)
}
