package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	catalogrpc "github.com/chunkmeta/chunkmeta/pkg/coordinator/grpc"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/router"
	"github.com/chunkmeta/chunkmeta/pkg/types"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var output io.Writer = os.Stdout

func withClient(fn func(ctx context.Context, client *catalogrpc.Client, args []string) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := catalogrpc.Dial(address)
		if err != nil {
			return err
		}
		defer client.Close()
		result, err := fn(cmd.Context(), client, args)
		if err != nil {
			log.Error().Err(err).Str("command", cmd.Name()).Msg("command failed")
			return err
		}
		if result == nil {
			return nil
		}
		return printJSON(result)
	}
}

func printJSON(v any) error {
	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// commandResult is the printed form of a router.Result.
type commandResult struct {
	Outcome string                  `json:"outcome"`
	Code    string                  `json:"code"`
	Version model.CollectionVersion `json:"version"`
	Error   string                  `json:"error,omitempty"`
}

// runCommand sends an administrative command through a router so it carries
// the collection version the router has cached.
func runCommand(ctx context.Context, client *catalogrpc.Client, command router.Command) (any, error) {
	r := router.NewRouter(client, nil, client, router.DefaultConfig())
	result := r.RunCommand(ctx, command)
	printed := commandResult{Outcome: result.Outcome.String(), Code: result.Code, Version: result.Version}
	if result.Err != nil {
		printed.Error = result.Err.Error()
		if err := printJSON(printed); err != nil {
			return nil, err
		}
		return nil, result.Err
	}
	return printed, nil
}

func parseKey(flagName string, value string) (model.Key, error) {
	key, err := model.ParseKey(value)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", flagName, err)
	}
	return key, nil
}

func addCommands(root *cobra.Command) {
	var (
		keyPattern       string
		unique           bool
		numInitialChunks int
		presplit         []string
	)
	shardCmd := &cobra.Command{
		Use:   "shard <namespace>",
		Short: "Shard a collection",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, client *catalogrpc.Client, args []string) (any, error) {
			pattern, err := model.ParseShardKeyPattern(keyPattern)
			if err != nil {
				return nil, err
			}
			var points []model.Key
			for _, p := range presplit {
				key, err := parseKey("presplit", p)
				if err != nil {
					return nil, err
				}
				points = append(points, key)
			}
			return client.ShardCollection(ctx, model.CreateCollection{
				Namespace:        args[0],
				KeyPattern:       pattern,
				Unique:           unique,
				NumInitialChunks: numInitialChunks,
				PresplitPoints:   points,
			})
		}),
	}
	shardCmd.Flags().StringVarP(&keyPattern, "key", "k", "", `Shard key pattern, e.g. "a:1,b:hashed"`)
	shardCmd.Flags().BoolVar(&unique, "unique", false, "Shard key is unique")
	shardCmd.Flags().IntVar(&numInitialChunks, "num-initial-chunks", 0, "Initial chunks of a hashed shard key")
	shardCmd.Flags().StringArrayVar(&presplit, "presplit", nil, "Split point as a JSON array, repeatable")
	_ = shardCmd.MarkFlagRequired("key")

	dropCmd := &cobra.Command{
		Use:   "drop <namespace>",
		Short: "Drop a sharded collection",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, client *catalogrpc.Client, args []string) (any, error) {
			return nil, client.DropCollection(ctx, args[0])
		}),
	}

	var refineExpected string
	refineCmd := &cobra.Command{
		Use:   "refine <namespace> <key pattern>",
		Short: "Extend the shard key of a collection",
		Args:  cobra.ExactArgs(2),
		RunE: withClient(func(ctx context.Context, client *catalogrpc.Client, args []string) (any, error) {
			pattern, err := model.ParseShardKeyPattern(args[1])
			if err != nil {
				return nil, err
			}
			coll, err := client.GetCollection(ctx, args[0])
			if err != nil {
				return nil, err
			}
			expected := coll.Version
			if refineExpected != "" {
				if err := json.Unmarshal([]byte(refineExpected), &expected); err != nil {
					return nil, fmt.Errorf("--expected-version: %w", err)
				}
			}
			return client.RefineShardKey(ctx, args[0], pattern, expected)
		}),
	}
	refineCmd.Flags().StringVar(&refineExpected, "expected-version", "", "Expected collection version as JSON, defaults to the current one")

	collectionsCmd := &cobra.Command{
		Use:   "collections [namespace]",
		Short: "Show one or all sharded collections",
		Args:  cobra.MaximumNArgs(1),
		RunE: withClient(func(ctx context.Context, client *catalogrpc.Client, args []string) (any, error) {
			if len(args) == 1 {
				return client.GetCollection(ctx, args[0])
			}
			return client.ListCollections(ctx)
		}),
	}

	var (
		chunksShard string
		chunksAfter string
		countOnly   bool
	)
	chunksCmd := &cobra.Command{
		Use:   "chunks <namespace>",
		Short: "List the chunks of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, client *catalogrpc.Client, args []string) (any, error) {
			if countOnly {
				count, err := client.CountChunks(ctx, args[0])
				return map[string]int64{"count": count}, err
			}
			req := &catalogrpc.ListChunksRequest{Namespace: args[0], Shard: chunksShard}
			if chunksAfter != "" {
				key, err := parseKey("start-after", chunksAfter)
				if err != nil {
					return nil, err
				}
				req.StartAfter = key
			}
			return client.ListChunks(ctx, req)
		}),
	}
	chunksCmd.Flags().StringVar(&chunksShard, "shard", "", "Only chunks owned by this shard")
	chunksCmd.Flags().StringVar(&chunksAfter, "start-after", "", "Only chunks whose min bound is above this key")
	chunksCmd.Flags().BoolVar(&countOnly, "count", false, "Only print the number of chunks")

	var (
		operationID string
		find        string
		middle      string
		to          string
		bounds      []string
	)
	splitCmd := &cobra.Command{
		Use:   "split <namespace>",
		Short: "Split the chunk holding --find at --middle",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, client *catalogrpc.Client, args []string) (any, error) {
			findKey, err := parseKey("find", find)
			if err != nil {
				return nil, err
			}
			middleKey, err := parseKey("middle", middle)
			if err != nil {
				return nil, err
			}
			return runCommand(ctx, client, router.SplitCommand{OperationID: operationID, Namespace: args[0], Find: findKey, Middle: middleKey})
		}),
	}
	splitCmd.Flags().StringVar(&find, "find", "", "A key inside the chunk, as a JSON array")
	splitCmd.Flags().StringVar(&middle, "middle", "", "The split point, as a JSON array")

	mergeCmd := &cobra.Command{
		Use:   "merge <namespace>",
		Short: "Merge the chunks between two bounds",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, client *catalogrpc.Client, args []string) (any, error) {
			if len(bounds) != 2 {
				return nil, fmt.Errorf("--bounds needs exactly two keys, got %d", len(bounds))
			}
			minKey, err := parseKey("bounds", bounds[0])
			if err != nil {
				return nil, err
			}
			maxKey, err := parseKey("bounds", bounds[1])
			if err != nil {
				return nil, err
			}
			return runCommand(ctx, client, router.MergeCommand{OperationID: operationID, Namespace: args[0], Min: minKey, Max: maxKey})
		}),
	}
	mergeCmd.Flags().StringArrayVar(&bounds, "bounds", nil, "Min and max bound as JSON arrays")

	moveCmd := &cobra.Command{
		Use:   "move <namespace>",
		Short: "Move the chunk holding --find to --to",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, client *catalogrpc.Client, args []string) (any, error) {
			findKey, err := parseKey("find", find)
			if err != nil {
				return nil, err
			}
			return runCommand(ctx, client, router.MoveCommand{OperationID: operationID, Namespace: args[0], Find: findKey, To: to})
		}),
	}
	moveCmd.Flags().StringVar(&find, "find", "", "A key inside the chunk, as a JSON array")
	moveCmd.Flags().StringVar(&to, "to", "", "Destination shard")

	for _, cmd := range []*cobra.Command{splitCmd, mergeCmd, moveCmd} {
		cmd.Flags().StringVar(&operationID, "operation-id", "", "Makes a retried command idempotent")
	}

	runCmd := &cobra.Command{
		Use:   "run <command json>",
		Short: `Run an administrative command document, e.g. {"split": "db.coll", "find": [10], "middle": [10]}`,
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, client *catalogrpc.Client, args []string) (any, error) {
			command, err := router.DecodeCommand([]byte(args[0]))
			if err != nil {
				return nil, err
			}
			return runCommand(ctx, client, command)
		}),
	}

	var includeTerminal bool
	migrationsCmd := &cobra.Command{
		Use:   "migrations [id]",
		Short: "Show one migration or list active migrations",
		Args:  cobra.MaximumNArgs(1),
		RunE: withClient(func(ctx context.Context, client *catalogrpc.Client, args []string) (any, error) {
			if len(args) == 1 {
				id, err := types.Parse(args[0])
				if err != nil {
					return nil, err
				}
				return client.GetMigration(ctx, id)
			}
			return client.ListMigrations(ctx, includeTerminal)
		}),
	}
	migrationsCmd.Flags().BoolVar(&includeTerminal, "all", false, "Include committed and aborted migrations")

	shardsCmd := &cobra.Command{
		Use:   "shards",
		Short: "List registered shards",
		Args:  cobra.NoArgs,
		RunE: withClient(func(ctx context.Context, client *catalogrpc.Client, _ []string) (any, error) {
			return client.ListShards(ctx)
		}),
	}

	var shardState string
	addShardCmd := &cobra.Command{
		Use:   "add-shard <id> <address>",
		Short: "Register a shard",
		Args:  cobra.ExactArgs(2),
		RunE: withClient(func(ctx context.Context, client *catalogrpc.Client, args []string) (any, error) {
			return nil, client.AddShard(ctx, &model.Shard{ID: args[0], Address: args[1], State: model.ShardState(strings.ToLower(shardState))})
		}),
	}
	addShardCmd.Flags().StringVar(&shardState, "state", string(model.ShardStateReady), "ready, not_ready or draining")

	removeShardCmd := &cobra.Command{
		Use:   "remove-shard <id>",
		Short: "Remove a shard from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, client *catalogrpc.Client, args []string) (any, error) {
			return nil, client.RemoveShard(ctx, args[0])
		}),
	}

	root.AddCommand(shardCmd, dropCmd, refineCmd, collectionsCmd, chunksCmd, splitCmd, mergeCmd, moveCmd, runCmd, migrationsCmd, shardsCmd, addShardCmd, removeShardCmd)
}
