package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/blogpub/domain"
	"github.com/deemkeen/blogpub/util"
	"github.com/deemkeen/blogpub/web"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           util.Name,
	Short:         "ActivityPub federation for a blog",
	Version:       util.GetVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the federation endpoints and run the delivery worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		log.Info("Starting", "version", util.GetNameAndVersion(), "actor", a.fed.Settings.Handle())

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a.fed.Dispatcher.StartDeliveryWorker(ctx, a.conf.Delivery.Interval)
		return web.Router(ctx, a.conf, a.fed)
	},
}

var deliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Run one delivery cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.fed.Dispatcher.RunDeliveryCycle(cmd.Context())
		if err != nil {
			return err
		}
		if result.Skipped {
			fmt.Println("Another delivery cycle is running, skipped")
			return nil
		}
		fmt.Printf("Pending: %d, delivered: %d, failed: %d\n", result.Pending, result.Delivered, result.Failed)
		return nil
	},
}

var reprocessCmd = &cobra.Command{
	Use:   "reprocess [inbox-item-id]",
	Short: "Replay unprocessed inbox items, or a single one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid inbox item id: %w", err)
			}
			return a.fed.Processor.Reprocess(cmd.Context(), id)
		}

		n, err := a.fed.Processor.ReprocessAll(cmd.Context())
		fmt.Printf("Processed %d items\n", n)
		return err
	},
}

var (
	publishTitle     string
	publishPublished string
)

var publishCmd = &cobra.Command{
	Use:   "publish <post-url>",
	Short: "Announce a blog post to all followers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		post := domain.Post{URL: args[0], Title: publishTitle}
		if publishPublished != "" {
			published, err := time.Parse(time.RFC3339, publishPublished)
			if err != nil {
				return fmt.Errorf("invalid --published: %w", err)
			}
			post.Published = published
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		item, err := a.fed.Dispatcher.PublishPost(cmd.Context(), post)
		if err != nil {
			return err
		}
		fmt.Printf("Queued %s as %s\n", post.URL, item.ActivityId)
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "update-profile",
	Short: "Send the current actor document to all followers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		item, err := a.fed.Dispatcher.UpdateProfile(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Queued %s\n", item.ActivityId)
		return nil
	},
}

var followCmd = &cobra.Command{
	Use:   "follow <user@host|actor-uri>",
	Short: "Follow a remote actor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		item, err := a.fed.Dispatcher.FollowActor(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Queued %s\n", item.ActivityId)
		return nil
	},
}

var blockCmd = &cobra.Command{
	Use:   "block [user@host|actor-uri|server]",
	Short: "Block an actor or a whole server, or list blocks",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 0 {
			blocks, err := a.fed.Blocks.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, b := range blocks {
				fmt.Printf("%-6s %s\n", b.Type, b.Target)
			}
			return nil
		}

		block, err := a.fed.Blocks.Block(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Blocked %s %s\n", block.Type, block.Target)
		return nil
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <user@host|actor-uri|server>",
	Short: "Remove a block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		removed, err := a.fed.Blocks.Unblock(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !removed {
			return errors.New("no such block")
		}
		fmt.Printf("Unblocked %s\n", args[0])
		return nil
	},
}

var refreshActorCmd = &cobra.Command{
	Use:   "refresh-actor <user@host|actor-uri>",
	Short: "Fetch a remote actor again and update the cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		actor, err := a.fed.Directory.RefreshActor(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s\n\tURI: %s\n\tInbox: %s\n\tFirst seen: %s\n",
			actor.Handle(), actor.ActorURI, actor.InboxURI, actor.FirstSeen.Format(time.RFC3339))
		return nil
	},
}

var keygenForce bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the actor key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := util.ReadConf()
		if err != nil {
			return err
		}
		privatePath := util.ResolveFilePath(conf.Conf.PrivateKeyPath)
		publicPath := util.ResolveFilePath(conf.Conf.PublicKeyPath)

		if _, err := os.Stat(privatePath); err == nil && !keygenForce {
			return fmt.Errorf("%s exists, use --force to replace it", privatePath)
		}

		pair, err := util.GeneratePemKeypair()
		if err != nil {
			return err
		}
		if err := util.WriteKeypair(pair, privatePath, publicPath); err != nil {
			return err
		}
		fmt.Printf("Wrote %s and %s\n", privatePath, publicPath)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := util.ReadConf()
		if err != nil {
			return err
		}
		fmt.Println(util.PrettyPrint(conf.Redacted()))
		return nil
	},
}

func init() {
	publishCmd.Flags().StringVar(&publishTitle, "title", "", "post title")
	publishCmd.Flags().StringVar(&publishPublished, "published", "", "publication time (RFC 3339)")
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "replace an existing key pair")

	rootCmd.AddCommand(
		serveCmd,
		deliverCmd,
		reprocessCmd,
		publishCmd,
		profileCmd,
		followCmd,
		blockCmd,
		unblockCmd,
		refreshActorCmd,
		keygenCmd,
		configCmd,
	)
}
