// Package stubnode is a stand-in for neard. It understands the same `init`
// and `run` invocation the launchers produce, writes a minimal node home and
// serves /status, so launches can be exercised without a real node.
package stubnode

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"
)

// ReadyLine is printed once the stub serves requests.
const ReadyLine = "INFO stats: #0 stub node ready"

// InitArgsFile records the arguments init was called with.
const InitArgsFile = "init-args.json"

// Main runs the stub with args (without the program name) and returns the
// process exit code.
func Main(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(args, stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func newRootCmd(argv []string, stdout io.Writer) *cobra.Command {
	var home, verbose string
	cmd := &cobra.Command{
		Use:           "testnode-stub",
		Short:         "Fake node implementing init and run",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&home, "home", ".", "node home directory")
	cmd.PersistentFlags().StringVar(&verbose, "verbose", "", "verbose log target")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write config.json and keys into the home directory",
		RunE: func(c *cobra.Command, args []string) error {
			chainID, _ := c.Flags().GetString("chain-id")
			seed, _ := c.Flags().GetString("test-seed")
			account, _ := c.Flags().GetString("account-id")
			fast, _ := c.Flags().GetBool("fast")
			rpcAddr, _ := c.Flags().GetString("rpc-addr")
			raw := rawInitArgs(argv)
			return writeHome(home, initOptions{ChainID: chainID, Seed: seed, AccountID: account, Fast: fast, RPCAddr: rpcAddr, Args: raw})
		},
	}
	initCmd.Flags().String("chain-id", "", "chain id, random test chain when empty")
	initCmd.Flags().String("test-seed", "", "seed for the validator key")
	initCmd.Flags().String("account-id", "", "validator account")
	initCmd.Flags().Bool("fast", false, "fast block production")
	initCmd.Flags().String("rpc-addr", "", "rpc listen address, a free loopback port when empty")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Serve /status until interrupted",
		RunE: func(c *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(c.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, home, stdout)
		},
	}
	runCmd.Flags().String("boot-nodes", "", "ignored")
	runCmd.Flags().String("telemetry-url", "", "ignored")

	cmd.AddCommand(initCmd, runCmd)
	return cmd
}

// rawInitArgs returns what followed the init subcommand on the command line.
func rawInitArgs(argv []string) []string {
	for i, a := range argv {
		if a == "init" {
			return append([]string{}, argv[i+1:]...)
		}
	}
	return nil
}

type initOptions struct {
	ChainID   string
	Seed      string
	AccountID string
	Fast      bool
	RPCAddr   string
	Args      []string
}

func writeHome(home string, opts initOptions) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	if opts.ChainID == "" {
		opts.ChainID = "test-chain-" + randomSuffix()
	}
	if opts.RPCAddr == "" {
		addr, err := freeLoopbackAddr()
		if err != nil {
			return err
		}
		opts.RPCAddr = addr
	}

	var hc homeConfig
	hc.ChainID = opts.ChainID
	hc.RPC.Addr = opts.RPCAddr
	hc.Network.Addr = "0.0.0.0:24567"
	hc.Fast = opts.Fast
	if err := writeJSON(filepath.Join(home, "config.json"), hc); err != nil {
		return err
	}

	validator, err := newKey(opts.AccountID, opts.Seed)
	if err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(home, "validator_key.json"), validator); err != nil {
		return err
	}
	nodeKey, err := newKey("node", "")
	if err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(home, "node_key.json"), nodeKey); err != nil {
		return err
	}
	if opts.Args == nil {
		opts.Args = []string{}
	}
	return writeJSON(filepath.Join(home, InitArgsFile), opts.Args)
}

// newKey derives an ed25519 key from seed, padded with zeroes to the seed
// size, or generates one when seed is empty.
func newKey(account, seed string) (keyFile, error) {
	var priv ed25519.PrivateKey
	if seed != "" {
		buf := make([]byte, ed25519.SeedSize)
		copy(buf, seed)
		priv = ed25519.NewKeyFromSeed(buf)
	} else {
		var err error
		_, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return keyFile{}, fmt.Errorf("generate key: %w", err)
		}
	}
	pub := priv.Public().(ed25519.PublicKey)
	return keyFile{
		AccountID: account,
		PublicKey: "ed25519:" + base58.Encode(pub),
		SecretKey: "ed25519:" + base58.Encode(priv),
	}, nil
}

func run(ctx context.Context, home string, stdout io.Writer) error {
	data, err := os.ReadFile(filepath.Join(home, "config.json"))
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var hc homeConfig
	if err := json.Unmarshal(data, &hc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	var vk keyFile
	if data, err := os.ReadFile(filepath.Join(home, "validator_key.json")); err == nil {
		_ = json.Unmarshal(data, &vk)
	}

	srv := &Server{Version: "stub", ChainID: hc.ChainID, AccountID: vk.AccountID, Addr: hc.RPC.Addr}
	ln, err := srv.Listen()
	if err != nil {
		return err
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	fmt.Fprintf(stdout, "stub node listening on %s\n", srv.Addr)
	fmt.Fprintln(stdout, ReadyLine)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	fmt.Fprintln(stdout, "stub node shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func freeLoopbackAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("pick rpc port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().String(), nil
}

func randomSuffix() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}
