package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"MediaCache/pkg/common"
	"MediaCache/pkg/logx"
	"MediaCache/pkg/segstore"
	"github.com/rs/zerolog/log"
)

const usage = `usage: segctl [flags] <command> [args]

commands:
  put    <tier> <id> [file]   store file (or stdin)
  append <tier> <id> [file]   append file (or stdin)
  get    <tier> <id> [file]   write object to file (or stdout)
  stat   <tier> <id>
  rm     <tier> <id>
  clear  <tier>
`

func main() {
	cfgPath := flag.String("config", "", "yaml config file")
	backend := flag.String("backend", "", "memory | file | badger | etcd (overrides config)")
	dataDir := flag.String("data", "", "data dir (overrides config)")
	segment := flag.Int("segment-size", 0, "max segment size in bytes (overrides config)")
	level := flag.String("log-level", "warn", "log level")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	args := flag.Args()
	if len(args) < 2 {
		flag.Usage()
		os.Exit(2)
	}

	logger := logx.Setup(*level, true)
	cfg, err := common.LoadGatewayConfig(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *backend != "" {
		cfg.Store.Backend = *backend
	}
	if *dataDir != "" {
		cfg.Store.DataDir = *dataDir
	}
	if *segment > 0 {
		cfg.Store.MaxSegmentSize = *segment
	}

	ctx := context.Background()
	st, err := segstore.Open(ctx, cfg.Store, nil, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	if err := run(ctx, st, args); err != nil {
		log.Error().Err(err).Str("cmd", args[0]).Msg("failed")
		st.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, st *segstore.Store, args []string) error {
	tier, err := segstore.ParseTier(args[1])
	if err != nil {
		return err
	}
	if args[0] == "clear" {
		return st.Clear(ctx, tier)
	}
	if len(args) < 3 {
		return fmt.Errorf("%s: missing id", args[0])
	}
	id := args[2]
	file := ""
	if len(args) > 3 {
		file = args[3]
	}

	switch args[0] {
	case "put", "append":
		data, err := readInput(file)
		if err != nil {
			return err
		}
		if args[0] == "put" {
			return st.Put(ctx, id, tier, data)
		}
		return st.Append(ctx, id, tier, data)
	case "get":
		data, err := st.Get(ctx, id, tier)
		if err != nil {
			return err
		}
		if file == "" {
			_, err = os.Stdout.Write(data)
			return err
		}
		return os.WriteFile(file, data, 0o644)
	case "stat":
		info, err := st.Stat(ctx, id, tier)
		if err != nil {
			return err
		}
		fmt.Printf("%s\ttier=%s\tsegments=%d\tsize=%s\n", info.ID, info.Tier, info.Segments, strconv.FormatInt(info.Size, 10))
		return nil
	case "rm":
		return st.Delete(ctx, id, tier)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func readInput(file string) ([]byte, error) {
	if file == "" || file == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(file)
}
