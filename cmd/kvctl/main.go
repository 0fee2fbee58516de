// kvctl is an operator CLI for driving a kvwald node: one-shot subcommands
// for scripting, plus an interactive line-editing shell for exploratory use.
//
// Usage:
//
//	kvctl put <key> <value-json> [--expect=<version>] [--addr=...]
//	kvctl get <key> [--version=<n>] [--addr=...]
//	kvctl delete <key> [--addr=...]
//	kvctl history <key> [--addr=...]
//	kvctl versions <key> [--addr=...]
//	kvctl segments [--addr=...]
//	kvctl dedup-stats [--addr=...]
//	kvctl cluster-status [--addr=...]
//	kvctl compact [--addr=...]
//	kvctl compaction-status [--addr=...]
//	kvctl configure-compaction --enabled=<bool> --interval=<seconds> [--addr=...]
//	kvctl shell [--addr=...]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/peterh/liner"
	"github.com/spf13/pflag"

	"github.com/calvinalkan/kvwal/pkg/compactor"
	"github.com/calvinalkan/kvwal/pkg/dedup"
	"github.com/calvinalkan/kvwal/pkg/keyspace"
	"github.com/calvinalkan/kvwal/pkg/node"
)

const defaultAddr = "http://localhost:8080"

func main() {
	err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Println(usage())
		return errors.New("missing command")
	}

	switch args[0] {
	case "put":
		return cmdPut(args[1:])
	case "get":
		return cmdGet(args[1:])
	case "delete", "del", "rm":
		return cmdDelete(args[1:])
	case "history":
		return cmdHistory(args[1:])
	case "versions":
		return cmdVersions(args[1:])
	case "segments":
		return cmdSegments(args[1:])
	case "dedup-stats":
		return cmdDedupStats(args[1:])
	case "cluster-status":
		return cmdClusterStatus(args[1:])
	case "compact":
		return cmdCompact(args[1:])
	case "compaction-status":
		return cmdCompactionStatus(args[1:])
	case "configure-compaction":
		return cmdConfigureCompaction(args[1:])
	case "shell":
		return cmdShell(args[1:])
	case "help", "-h", "--help":
		fmt.Println(usage())
		return nil
	default:
		return fmt.Errorf("unknown command: %s\n%s", args[0], usage())
	}
}

func usage() string {
	return `kvctl - operator CLI for a kvwald node

Commands:
  put <key> <value-json> [--expect=N]   Set a key, optionally with optimistic-lock check
  get <key> [--version=N]               Read a key's current or historical value
  delete <key>                          Delete a key
  history <key>                         List every retained version of a key
  versions <key>                        List every retained version number of a key
  segments                              Show the write-ahead log's segment layout
  dedup-stats                           Show the idempotent-receiver cache's counters
  cluster-status                        Show this node's role and peer health
  compact                               Trigger an immediate compaction pass
  compaction-status                     Show the compactor's configuration and history
  configure-compaction --enabled=bool --interval=seconds
                                         Reconfigure the compactor at runtime
  shell                                 Start an interactive shell

All commands accept --addr=http://host:port (default ` + defaultAddr + `, or $KVCTL_ADDR).`
}

func addrFlag(fs *pflag.FlagSet) *string {
	return fs.String("addr", os.Getenv("KVCTL_ADDR"), "node HTTP address")
}

func resolveAddr(addr string) string {
	if addr != "" {
		return addr
	}

	return defaultAddr
}

func newClient(addr string) *remoteClient {
	return &remoteClient{addr: resolveAddr(addr), http: &http.Client{Timeout: 10 * time.Second}}
}

func cmdPut(args []string) error {
	fs := pflag.NewFlagSet("put", pflag.ContinueOnError)
	addr := addrFlag(fs)
	expect := fs.Int64("expect", -1, "expected current version (optimistic-lock check)")
	clientID := fs.String("client-id", "kvctl", "client id for deduplication")
	requestID := fs.String("request-id", uuid.NewString(), "request id for deduplication")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	if fs.NArg() < 2 {
		return errors.New("usage: kvctl put <key> <value-json> [--expect=N]")
	}

	key, rawValue := fs.Arg(0), fs.Arg(1)

	var value json.RawMessage
	if json.Valid([]byte(rawValue)) {
		value = json.RawMessage(rawValue)
	} else {
		encoded, marshalErr := json.Marshal(rawValue)
		if marshalErr != nil {
			return marshalErr
		}

		value = encoded
	}

	var expectedVersion *uint64
	if *expect >= 0 {
		v := uint64(*expect)
		expectedVersion = &v
	}

	result, err := newClient(*addr).Put(context.Background(), key, value, expectedVersion, *clientID, *requestID)
	if err != nil {
		return err
	}

	return printJSON(result)
}

func cmdGet(args []string) error {
	fs := pflag.NewFlagSet("get", pflag.ContinueOnError)
	addr := addrFlag(fs)
	version := fs.Int64("version", -1, "fetch a specific historical version")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	if fs.NArg() < 1 {
		return errors.New("usage: kvctl get <key> [--version=N]")
	}

	var v *uint64
	if *version >= 0 {
		u := uint64(*version)
		v = &u
	}

	result, found, err := newClient(*addr).Get(fs.Arg(0), v)
	if err != nil {
		return err
	}

	if !found {
		fmt.Println("(not found)")
		return nil
	}

	return printJSON(result)
}

func cmdDelete(args []string) error {
	fs := pflag.NewFlagSet("delete", pflag.ContinueOnError)
	addr := addrFlag(fs)
	clientID := fs.String("client-id", "kvctl", "client id for deduplication")
	requestID := fs.String("request-id", uuid.NewString(), "request id for deduplication")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	if fs.NArg() < 1 {
		return errors.New("usage: kvctl delete <key>")
	}

	result, found, err := newClient(*addr).Delete(context.Background(), fs.Arg(0), *clientID, *requestID)
	if err != nil {
		return err
	}

	if !found {
		fmt.Println("(not found)")
		return nil
	}

	return printJSON(result)
}

func cmdHistory(args []string) error {
	fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
	addr := addrFlag(fs)

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	if fs.NArg() < 1 {
		return errors.New("usage: kvctl history <key>")
	}

	entries, err := newClient(*addr).History(fs.Arg(0))
	if err != nil {
		return err
	}

	return printJSON(entries)
}

func cmdVersions(args []string) error {
	fs := pflag.NewFlagSet("versions", pflag.ContinueOnError)
	addr := addrFlag(fs)

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	if fs.NArg() < 1 {
		return errors.New("usage: kvctl versions <key>")
	}

	versions, err := newClient(*addr).Versions(fs.Arg(0))
	if err != nil {
		return err
	}

	return printJSON(versions)
}

func cmdSegments(args []string) error {
	fs := pflag.NewFlagSet("segments", pflag.ContinueOnError)
	addr := addrFlag(fs)

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	result, err := newClient(*addr).Segments()
	if err != nil {
		return err
	}

	return printJSON(result)
}

func cmdDedupStats(args []string) error {
	fs := pflag.NewFlagSet("dedup-stats", pflag.ContinueOnError)
	addr := addrFlag(fs)

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	stats, err := newClient(*addr).DedupStats()
	if err != nil {
		return err
	}

	return printJSON(stats)
}

func cmdClusterStatus(args []string) error {
	fs := pflag.NewFlagSet("cluster-status", pflag.ContinueOnError)
	addr := addrFlag(fs)

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	result, err := newClient(*addr).ClusterStatus()
	if err != nil {
		return err
	}

	return printJSON(result)
}

func cmdCompact(args []string) error {
	fs := pflag.NewFlagSet("compact", pflag.ContinueOnError)
	addr := addrFlag(fs)

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	ran, result, err := newClient(*addr).Compact(context.Background())
	if err != nil {
		return err
	}

	if !ran {
		fmt.Println("compaction did not run (disabled, already running, or too soon since the last pass)")
		return nil
	}

	return printJSON(result)
}

func cmdCompactionStatus(args []string) error {
	fs := pflag.NewFlagSet("compaction-status", pflag.ContinueOnError)
	addr := addrFlag(fs)

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	status, err := newClient(*addr).CompactionStatus()
	if err != nil {
		return err
	}

	return printJSON(status)
}

func cmdConfigureCompaction(args []string) error {
	fs := pflag.NewFlagSet("configure-compaction", pflag.ContinueOnError)
	addr := addrFlag(fs)
	enabled := fs.Bool("enabled", true, "enable or disable scheduled compaction")
	interval := fs.Int("interval", 3600, "compaction interval in seconds")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	err = newClient(*addr).ConfigureCompaction(*enabled, time.Duration(*interval)*time.Second)
	if err != nil {
		return err
	}

	fmt.Println("OK")

	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(data))

	return nil
}

// -----------------------------------------------------------------------------
// Remote client: a thin HTTP/JSON carrier over a running node's client API.
// -----------------------------------------------------------------------------

type remoteClient struct {
	addr string
	http *http.Client
}

func (c *remoteClient) do(ctx context.Context, method, path string, query map[string]string, body, out any) error {
	url := c.addr + path

	if len(query) > 0 {
		var parts []string
		for k, v := range query {
			parts = append(parts, k+"="+v)
		}

		url += "?" + strings.Join(parts, "&")
	}

	var reqBody io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}

		reqBody = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

var errNotFound = errors.New("not found")

func (c *remoteClient) Put(ctx context.Context, key string, value json.RawMessage, expectedVersion *uint64, clientID, requestID string) (node.PutResult, error) {
	var result node.PutResult

	body := struct {
		Key             string          `json:"key"`
		Value           json.RawMessage `json:"value"`
		ExpectedVersion *uint64         `json:"expected_version,omitempty"`
		ClientID        string          `json:"client_id"`
		RequestID       string          `json:"request_id"`
	}{Key: key, Value: value, ExpectedVersion: expectedVersion, ClientID: clientID, RequestID: requestID}

	err := c.do(ctx, http.MethodPost, "/kv/put", nil, body, &result)

	return result, err
}

func (c *remoteClient) Get(key string, version *uint64) (node.GetResult, bool, error) {
	var result node.GetResult

	query := map[string]string{"key": key}
	if version != nil {
		query["version"] = strconv.FormatUint(*version, 10)
	}

	err := c.do(context.Background(), http.MethodGet, "/kv/get", query, nil, &result)
	if errors.Is(err, errNotFound) {
		return node.GetResult{}, false, nil
	}

	return result, err == nil, err
}

func (c *remoteClient) Delete(ctx context.Context, key, clientID, requestID string) (node.DeleteResult, bool, error) {
	var result node.DeleteResult

	body := struct {
		Key       string `json:"key"`
		ClientID  string `json:"client_id"`
		RequestID string `json:"request_id"`
	}{Key: key, ClientID: clientID, RequestID: requestID}

	err := c.do(ctx, http.MethodPost, "/kv/delete", nil, body, &result)
	if errors.Is(err, errNotFound) {
		return node.DeleteResult{}, false, nil
	}

	return result, err == nil, err
}

func (c *remoteClient) History(key string) ([]keyspace.VersionedEntry, error) {
	var result []keyspace.VersionedEntry
	err := c.do(context.Background(), http.MethodGet, "/kv/history", map[string]string{"key": key}, nil, &result)

	return result, err
}

func (c *remoteClient) Versions(key string) ([]uint64, error) {
	var result []uint64
	err := c.do(context.Background(), http.MethodGet, "/kv/versions", map[string]string{"key": key}, nil, &result)

	return result, err
}

func (c *remoteClient) Segments() (node.SegmentsResult, error) {
	var result node.SegmentsResult
	err := c.do(context.Background(), http.MethodGet, "/kv/segments", nil, nil, &result)

	return result, err
}

func (c *remoteClient) DedupStats() (dedup.Stats, error) {
	var result dedup.Stats
	err := c.do(context.Background(), http.MethodGet, "/kv/dedup-stats", nil, nil, &result)

	return result, err
}

func (c *remoteClient) ClusterStatus() (node.ClusterStatusResult, error) {
	var result node.ClusterStatusResult
	err := c.do(context.Background(), http.MethodGet, "/kv/cluster-status", nil, nil, &result)

	return result, err
}

func (c *remoteClient) Compact(ctx context.Context) (bool, compactor.Result, error) {
	var result struct {
		Ran    bool             `json:"ran"`
		Result compactor.Result `json:"result"`
	}

	err := c.do(ctx, http.MethodPost, "/kv/compact", nil, struct{}{}, &result)

	return result.Ran, result.Result, err
}

func (c *remoteClient) CompactionStatus() (compactor.Status, error) {
	var result compactor.Status
	err := c.do(context.Background(), http.MethodGet, "/kv/compaction-status", nil, nil, &result)

	return result, err
}

func (c *remoteClient) ConfigureCompaction(enabled bool, interval time.Duration) error {
	body := struct {
		Enabled  bool    `json:"enabled"`
		Interval float64 `json:"interval"`
	}{Enabled: enabled, Interval: interval.Seconds()}

	return c.do(context.Background(), http.MethodPost, "/kv/configure-compaction", nil, body, nil)
}

// -----------------------------------------------------------------------------
// Interactive shell
// -----------------------------------------------------------------------------

func cmdShell(args []string) error {
	fs := pflag.NewFlagSet("shell", pflag.ContinueOnError)
	addr := addrFlag(fs)

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	shell := &shell{client: newClient(*addr)}

	return shell.run()
}

type shell struct {
	client *remoteClient
	liner  *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".kvctl_history")
}

func (s *shell) run() error {
	s.liner = liner.NewLiner()
	defer s.liner.Close()

	s.liner.SetCtrlCAborts(true)
	s.liner.SetCompleter(s.completer)

	if f, err := os.Open(historyFile()); err == nil {
		s.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("kvctl shell - connected to %s\n", s.client.addr)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := s.liner.Prompt("kvctl> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		s.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		cmdArgs := parts[1:]

		if cmd == "exit" || cmd == "quit" || cmd == "q" {
			fmt.Println("Bye!")
			s.saveHistory()

			return nil
		}

		if cmd == "help" || cmd == "?" {
			fmt.Println(usage())
			continue
		}

		err = run(append([]string{cmd, "--addr=" + s.client.addr}, cmdArgs...))
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}

	s.saveHistory()

	return nil
}

func (s *shell) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			s.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (s *shell) completer(line string) []string {
	commands := []string{
		"put", "get", "delete", "del", "rm", "history", "versions", "segments",
		"dedup-stats", "cluster-status", "compact", "compaction-status",
		"configure-compaction", "help", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}
