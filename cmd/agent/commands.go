/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	oobclient "github.com/calliope-id/agent/pkg/client/outofband"
	"github.com/calliope-id/agent/pkg/didcomm/protocol/outofband"
)

var logger = log.New("calliope-agent/cmd")

const (
	flagConfig        = "config"
	flagLabel         = "label"
	flagEndpoint      = "endpoint"
	flagBaseURL       = "base-url"
	flagPublicDID     = "public-did"
	flagAutoAccept    = "auto-accept"
	flagReuseTimeout  = "reuse-timeout"
	flagReadyTimeout  = "ready-timeout"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "agent",
		Short:         "Calliope out-of-band agent tooling",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String(flagConfig, "", "path to a config file")
	flags.String(flagLabel, "calliope-agent", "label placed on created invitations")
	flags.String(flagEndpoint, "", "this agent's inbound DIDComm endpoint")
	flags.String(flagBaseURL, "", "base URL for shareable invitation URLs")
	flags.String(flagPublicDID, "", "this agent's public DID, if registered")
	flags.Bool(flagAutoAccept, true, "accept received invitations without prompting")
	flags.Duration(flagReuseTimeout, 15*time.Second, "how long to wait for a handshake reuse outcome")
	flags.Duration(flagReadyTimeout, 7*time.Second, "how long to wait for a connection to become ready")

	rootCmd.AddCommand(newCreateInvitationCmd(), newParseInvitationCmd(), newSweepCmd())

	return rootCmd
}

func initConfig(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix("agent")
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if cfgFile := v.GetString(flagConfig); cfgFile != "" {
		v.SetConfigFile(cfgFile)

		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}

		logger.Infof("loaded configuration from %s", v.ConfigFileUsed())
	}

	// flags not set on the command line fall back to config file and env values
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if !f.Changed && v.IsSet(f.Name) {
			_ = cmd.Flags().Set(f.Name, v.GetString(f.Name))
		}
	})

	return nil
}

func newClient(cmd *cobra.Command) (*oobclient.Client, error) {
	cfg, err := configFromFlags(cmd)
	if err != nil {
		return nil, err
	}

	ctx, err := newAgentContext(cfg)
	if err != nil {
		return nil, err
	}

	return oobclient.New(ctx)
}

func configFromFlags(cmd *cobra.Command) (*outofband.Config, error) {
	flags := cmd.Flags()

	label, err := flags.GetString(flagLabel)
	if err != nil {
		return nil, err
	}

	endpoint, err := flags.GetString(flagEndpoint)
	if err != nil {
		return nil, err
	}

	baseURL, err := flags.GetString(flagBaseURL)
	if err != nil {
		return nil, err
	}

	publicDID, err := flags.GetString(flagPublicDID)
	if err != nil {
		return nil, err
	}

	autoAccept, err := flags.GetBool(flagAutoAccept)
	if err != nil {
		return nil, err
	}

	reuseTimeout, err := flags.GetDuration(flagReuseTimeout)
	if err != nil {
		return nil, err
	}

	readyTimeout, err := flags.GetDuration(flagReadyTimeout)
	if err != nil {
		return nil, err
	}

	return &outofband.Config{
		Label:             label,
		ServiceEndpoint:   endpoint,
		BaseInvitationURL: baseURL,
		PublicDID:         publicDID,
		PublicInvites:     publicDID != "",
		AutoAccept:        autoAccept,
		ReuseTimeout:      reuseTimeout,
		ReadyTimeout:      readyTimeout,
	}, nil
}

func newCreateInvitationCmd() *cobra.Command {
	var (
		multiUse bool
		public   bool
		goal     string
		goalCode string
	)

	cmd := &cobra.Command{
		Use:   "create-invitation",
		Short: "Create an out-of-band invitation and print its URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			opts := []oobclient.MessageOption{}

			if multiUse {
				opts = append(opts, oobclient.WithMultiUse())
			}

			if public {
				opts = append(opts, oobclient.WithPublicDID())
			}

			if goal != "" || goalCode != "" {
				opts = append(opts, oobclient.WithGoal(goal, goalCode))
			}

			result, err := client.CreateInvitation(opts...)
			if err != nil {
				return err
			}

			raw, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}

			cmd.Println(string(raw))

			return nil
		},
	}

	cmd.Flags().BoolVar(&multiUse, "multi-use", false, "make the invitation redeemable more than once")
	cmd.Flags().BoolVar(&public, "public", false, "emit the agent's public DID on the invitation")
	cmd.Flags().StringVar(&goal, "goal", "", "free-form goal text")
	cmd.Flags().StringVar(&goalCode, "goal-code", "", "machine-readable goal code")

	return cmd
}

func newParseInvitationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse-invitation <url>",
		Short: "Decode an out-of-band invitation URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := outofband.ParseInvitationURL(args[0])
			if err != nil {
				return err
			}

			raw, err := json.MarshalIndent(inv, "", "  ")
			if err != nil {
				return err
			}

			cmd.Println(string(raw))

			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	var (
		ttl      time.Duration
		interval time.Duration
		once     bool
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete stale single-use invitations, once or on a schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			sweep := func() {
				removed, err := client.SweepStaleRecords(ttl)
				if err != nil {
					logger.Errorf("sweep failed: %s", err.Error())

					return
				}

				logger.Infof("sweep removed %d stale invitation(s)", removed)
			}

			if once {
				sweep()

				return nil
			}

			scheduler := gocron.NewScheduler(time.UTC)

			if _, err := scheduler.Every(interval).Do(sweep); err != nil {
				return fmt.Errorf("schedule sweep: %w", err)
			}

			scheduler.StartAsync()
			defer scheduler.Stop()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "age after which a pending invitation is stale")
	cmd.Flags().DurationVar(&interval, "interval", time.Hour, "how often to sweep")
	cmd.Flags().BoolVar(&once, "once", false, "sweep a single time and exit")

	return cmd
}
