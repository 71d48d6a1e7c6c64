// Package run implements `narwhal run ... primary` and
// `narwhal run ... worker --id <n>`.
package run

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/PearTNhat/narwhal/internal/committee"
	"github.com/PearTNhat/narwhal/internal/config"
	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"
	"github.com/PearTNhat/narwhal/internal/logging"
	"github.com/PearTNhat/narwhal/internal/node"
	"github.com/PearTNhat/narwhal/internal/store"

	"github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"
)

// sharedFlags are the flags common to `run primary` and `run worker`.
type sharedFlags struct {
	keysPath       string
	committeePath  string
	parametersPath string
	storeDir       string

	listenHost string
	rendezvous string
	bootstrap  []string

	verbosity int
}

func (f *sharedFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.keysPath, "keys", "", "path to this node's JSON keypair file")
	cmd.PersistentFlags().StringVar(&f.committeePath, "committee", "", "path to the committee JSON file")
	cmd.PersistentFlags().StringVar(&f.parametersPath, "parameters", "", "path to the parameters JSON file (optional, defaults apply)")
	cmd.PersistentFlags().StringVar(&f.storeDir, "store", "", "directory for this component's on-disk store")
	cmd.PersistentFlags().StringVar(&f.listenHost, "listen-host", "0.0.0.0", "host address to bind the overlay listener to")
	cmd.PersistentFlags().StringVar(&f.rendezvous, "rendezvous", "narwhal", "DHT/mDNS discovery rendezvous string")
	cmd.PersistentFlags().StringArrayVar(&f.bootstrap, "bootstrap", nil, "multiaddr of a bootstrap peer (repeatable)")
	cmd.PersistentFlags().CountVarP(&f.verbosity, "verbose", "v", "increase log verbosity (repeatable)")
	cmd.MarkPersistentFlagRequired("keys")
	cmd.MarkPersistentFlagRequired("committee")
	cmd.MarkPersistentFlagRequired("store")
}

func (f *sharedFlags) load() (ncrypto.Signer, *committee.Committee, config.Parameters, *store.Store, *logging.Logger, error) {
	log := logging.New(logging.WithLevel(logging.LevelFromVerbosity(f.verbosity)))

	kp, err := config.LoadKeypair(f.keysPath)
	if err != nil {
		return nil, nil, config.Parameters{}, nil, nil, err
	}
	signer, err := ncrypto.LoadSigner(kp)
	if err != nil {
		return nil, nil, config.Parameters{}, nil, nil, fmt.Errorf("load signer: %w", err)
	}

	c, err := committee.Load(f.committeePath)
	if err != nil {
		return nil, nil, config.Parameters{}, nil, nil, err
	}
	if err := c.ContainsSelf(signer.Identity()); err != nil {
		return nil, nil, config.Parameters{}, nil, nil, err
	}

	params, err := config.LoadParameters(f.parametersPath)
	if err != nil {
		return nil, nil, config.Parameters{}, nil, nil, err
	}

	st, err := store.Open(f.storeDir)
	if err != nil {
		return nil, nil, config.Parameters{}, nil, nil, fmt.Errorf("open store: %w", err)
	}

	return signer, c, params, st, log, nil
}

func (f *sharedFlags) bootstrapAddrs() ([]multiaddr.Multiaddr, error) {
	addrs := make([]multiaddr.Multiaddr, 0, len(f.bootstrap))
	for _, raw := range f.bootstrap {
		a, err := multiaddr.NewMultiaddr(raw)
		if err != nil {
			return nil, fmt.Errorf("bad bootstrap multiaddr %q: %w", raw, err)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// Cmd builds the run command and its primary/worker subcommands.
func Cmd() *cobra.Command {
	flags := &sharedFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run this committee member's Primary or Worker pipeline",
	}
	flags.register(cmd)
	cmd.AddCommand(primaryCmd(flags))
	cmd.AddCommand(workerCmd(flags))
	return cmd
}

func runUntilSignal(ctx context.Context, run func(context.Context) error, closeFn func() error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer closeFn()
	return run(ctx)
}

func primaryCmd(flags *sharedFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "primary",
		Short: "Run as this committee member's Primary",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, c, params, st, log, err := flags.load()
			if err != nil {
				return err
			}
			bootstrap, err := flags.bootstrapAddrs()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			p, err := node.NewPrimary(ctx, node.PrimaryConfig{
				Committee:  c,
				Signer:     signer,
				Store:      st,
				Parameters: params,
				ListenHost: flags.listenHost,
				Rendezvous: flags.rendezvous,
				Bootstrap:  bootstrap,
				Logger:     log,
			})
			if err != nil {
				st.Close()
				return fmt.Errorf("start primary: %w", err)
			}

			return runUntilSignal(ctx, p.Run, func() error {
				p.Close()
				return st.Close()
			})
		},
	}
}

func workerCmd(flags *sharedFlags) *cobra.Command {
	var workerID int
	var txAddr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run as one of this committee member's Workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, c, params, st, log, err := flags.load()
			if err != nil {
				return err
			}
			bootstrap, err := flags.bootstrapAddrs()
			if err != nil {
				return err
			}

			if txAddr == "" {
				if auth, ok := c.Authority(signer.Identity()); ok {
					if wi, ok := auth.Workers[workerID]; ok {
						txAddr = wi.TransactionsAddr
					}
				}
			}

			ctx := cmd.Context()
			w, err := node.NewWorkerNode(ctx, node.WorkerConfig{
				Committee:        c,
				Signer:           signer,
				WorkerID:         workerID,
				Store:            st,
				Parameters:       params,
				ListenHost:       flags.listenHost,
				Rendezvous:       flags.rendezvous,
				Bootstrap:        bootstrap,
				TransactionsAddr: txAddr,
				Logger:           log,
			})
			if err != nil {
				st.Close()
				return fmt.Errorf("start worker: %w", err)
			}

			return runUntilSignal(ctx, w.Run, func() error {
				w.Close()
				return st.Close()
			})
		},
	}
	cmd.Flags().IntVar(&workerID, "id", 0, "this worker's id within the committee member's worker set")
	cmd.Flags().StringVar(&txAddr, "transactions-addr", "", "TCP address to listen on for raw transactions (defaults to the committee file's transactions_addr for this worker id)")
	return cmd
}
