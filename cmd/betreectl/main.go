// Command betreectl is a small REPL driver over a betreedb.Tree, in the
// same spirit as DaemonDB's top-level main.go REPL: it wires up storage,
// takes one line of input at a time, and dispatches on the leading token.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"betreedb/backingstore"
	"betreedb/betree"
	"betreedb/codec"
	"betreedb/internal/dblog"
	"betreedb/wal"
)

func main() {
	dataDir := flag.String("data", "./betreectl-data", "directory holding the backing store, WAL, and checkpoints")
	maxNodeSize := flag.Int("max-node-size", betree.DefaultMaxNodeSize, "maximum node size before a split")
	epsilon := flag.Float64("epsilon", betree.DefaultEpsilon, "starting shape exponent")
	verbose := flag.Bool("v", false, "enable debug-level tracing")
	flag.Parse()

	level := dblog.LevelInfo
	if *verbose {
		level = dblog.LevelDebug
	}
	logger := dblog.New(os.Stderr, level)

	objectsDir := filepath.Join(*dataDir, "objects")
	backend, err := backingstore.NewDirStore(objectsDir)
	if err != nil {
		log.Fatalf("betreectl: %v", err)
	}

	walCfg := wal.DefaultConfig()
	tree, log_, err := betree.Recover[string, string](
		*dataDir,
		backend,
		codec.StringCodec{},
		codec.StringCodec{},
		strings.Compare,
		func(old, new string) string { return old + new },
		walCfg,
		logger,
		betree.WithMaxNodeSize[string, string](*maxNodeSize),
		betree.WithEpsilon[string, string](*epsilon),
	)
	if err != nil {
		log.Fatalf("betreectl: recover: %v", err)
	}
	defer log_.Close()

	fmt.Println("betreectl: type INSERT/UPDATE/DELETE/GET/CHECKPOINT/EXIT")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("betree> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "exit") {
			break
		}
		if err := dispatch(line, tree, log_); err != nil {
			fmt.Println("error:", err)
		}
	}
}

func dispatch(line string, tree *betree.Tree[string, string], l *wal.Log[string, string]) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd := strings.ToUpper(fields[0])
	switch cmd {
	case "INSERT", "UPDATE":
		if len(fields) != 3 {
			return fmt.Errorf("usage: %s <key> <value>", cmd)
		}
		if cmd == "INSERT" {
			return tree.Insert(fields[1], fields[2])
		}
		return tree.Update(fields[1], fields[2])
	case "DELETE":
		if len(fields) != 2 {
			return fmt.Errorf("usage: DELETE <key>")
		}
		return tree.Delete(fields[1])
	case "GET":
		if len(fields) != 2 {
			return fmt.Errorf("usage: GET <key>")
		}
		val, err := tree.Query(fields[1])
		if err != nil {
			return err
		}
		fmt.Println(val)
		return nil
	case "CHECKPOINT":
		return l.Checkpoint(tree)
	case "SPLITS":
		fmt.Println(tree.SplitCounter())
		return nil
	case "DEPTH":
		depth, err := tree.AverageLeafDepth()
		if err != nil {
			return err
		}
		fmt.Println(strconv.FormatFloat(depth, 'f', 2, 64))
		return nil
	case "SHORTEN":
		return tree.ShortenBetree()
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
