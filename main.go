package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/courier/activitypub"
	"github.com/deemkeen/courier/admin"
	"github.com/deemkeen/courier/cache"
	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/deemkeen/courier/queue"
	"github.com/deemkeen/courier/util"
	"github.com/deemkeen/courier/web"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var configPath string

// app is everything the commands share.
type app struct {
	conf      *util.AppConfig
	store     *db.DB
	urls      activitypub.URLs
	keys      *activitypub.KeyStore
	explorer  *activitypub.Explorer
	deliverer *activitypub.Deliverer
	queue     *queue.Queue
}

func main() {
	root := &cobra.Command{
		Use:          util.Name,
		Short:        "ActivityPub federation for a microblogging server",
		Version:      util.GetVersion(),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml or ~/.config/courier/config.yaml)")
	root.AddCommand(serveCmd(), lookupCmd(), keysCmd(), addUserCmd(), followCmd())

	if err := root.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func loadConf() (*util.AppConfig, error) {
	if configPath != "" {
		return util.ReadConfFrom(configPath)
	}
	return util.ReadConf()
}

// open reads the configuration and wires the federation core.
func open() (*app, error) {
	conf, err := loadConf()
	if err != nil {
		return nil, err
	}

	store, err := db.Open(util.ResolveFilePath(conf.Conf.Database))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	a := &app{conf: conf, store: store, urls: activitypub.NewURLs(conf.BaseURL())}
	a.keys = activitypub.NewKeyStore(store)
	client := activitypub.NewClient(conf.HTTPTimeout(), conf.UserAgentString())

	opts := []activitypub.ExplorerOption{
		activitypub.WithMaxCollectionPages(conf.Conf.MaxCollectionPages),
	}
	if conf.Conf.CacheSize > 0 {
		opts = append(opts, activitypub.WithCache(cache.NewLRU[string, uuid.UUID](conf.Conf.CacheSize, conf.CacheTTL())))
	}
	if conf.Conf.AvatarDir != "" {
		opts = append(opts, activitypub.WithAvatars(util.ResolveFilePath(conf.Conf.AvatarDir), conf.Conf.AvatarMaxBytes))
	}
	a.explorer = activitypub.NewExplorer(store, a.keys, client, a.urls, opts...)

	a.deliverer = &activitypub.Deliverer{
		Store:   store,
		Signer:  activitypub.NewSigner(a.keys, conf.UserAgentString()),
		Client:  client,
		URLs:    a.urls,
		Workers: conf.Conf.DeliveryWorkers,
	}
	a.queue = queue.New(store)
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Error("closing database", "err", err)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the federation endpoints, the delivery queue and the admin console",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()
			log.Debug("configuration", "conf", util.PrettyPrint(a.conf))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	handlers := activitypub.NewQueueHandlers(a.store, a.deliverer, a.queue)
	a.queue.Register(activitypub.TransportDelivery, handlers.HandleNotice)
	a.queue.Register(activitypub.TransportFailed, handlers.HandleFailed)
	if a.conf.Conf.WithAp {
		a.queue.Start(ctx, a.conf.QueueInterval(), a.conf.Conf.QueueBatch)
	}

	inbox := activitypub.NewInboxHandler(a.store, a.explorer, a.deliverer)
	server := web.NewServer(a.conf, a.store, a.keys, a.explorer, a.deliverer, inbox)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })

	if a.conf.Conf.WithAdmin {
		s, err := admin.NewServer(a.conf, a.store)
		if err != nil {
			return err
		}
		g.Go(func() error { return admin.Run(ctx, s) })
	}
	return g.Wait()
}

func lookupCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "lookup <uri|acct>",
		Short: "Resolve an actor, webfinger address or collection to profiles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			profiles, err := a.explorer.Lookup(cmd.Context(), args[0], !offline)
			if err != nil {
				return err
			}
			for _, p := range profiles {
				fmt.Fprintln(cmd.OutOrStdout(), p.ToString())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "only consult the local database")
	return cmd
}

func keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys <nickname>",
		Short: "Print the public key of a local user, generating it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.store.ReadLocalProfileByNickname(args[0])
			if err != nil {
				return fmt.Errorf("local user %q: %w", args[0], err)
			}
			public, _, err := a.keys.GetOrCreateKeys(cmd.Context(), p)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), public)
			return nil
		},
	}
}

func addUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "adduser <nickname> [full name]",
		Short: "Create a local user and its key pair",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			p := &domain.Profile{Nickname: args[0], Local: true}
			if len(args) == 2 {
				p.Fullname = args[1]
			}
			p.ProfileURL = a.urls.Actor(p.Nickname)
			if err := a.store.CreateProfile(p); err != nil {
				return err
			}
			if _, _, err := a.keys.GetOrCreateKeys(cmd.Context(), p); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.urls.Actor(p.Nickname))
			return nil
		},
	}
}

func followCmd() *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "follow <nickname> <uri|acct>",
		Short: "Make a local user follow an actor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			follower, err := a.store.ReadLocalProfileByNickname(args[0])
			if err != nil {
				return fmt.Errorf("local user %q: %w", args[0], err)
			}
			target, err := a.explorer.LookupOne(cmd.Context(), args[1], true)
			if err != nil {
				return err
			}

			fed := activitypub.NewFederator(a.store, a.deliverer, a.queue)
			if undo {
				return fed.Unfollow(cmd.Context(), follower, target)
			}
			return fed.Follow(cmd.Context(), follower, target)
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "unfollow instead")
	return cmd
}
