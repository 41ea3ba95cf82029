package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/cmdgate/cmdgate/internal/bootstrap"
	"github.com/cmdgate/cmdgate/internal/rules"
	"github.com/cmdgate/cmdgate/storage/model"
)

var (
	principalRole    string
	principalCredits int64
	principalAPIKey  string
	seedFile         string
	adminAPIKey      string
)

var createPrincipalCmd = &cobra.Command{
	Use:   "create-principal <username>",
	Short: "Creates a principal and prints its credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := model.ParseRole(principalRole)
		if err != nil {
			return err
		}
		if principalCredits < 0 {
			return errors.New("credits must not be negative")
		}
		backs, warehouse, err := loadBackends()
		if err != nil {
			return err
		}
		defer warehouse.Close()
		ctx := cmd.Context()
		credential := principalAPIKey
		if credential == "" {
			_, credential, err = backs.Principals.Create(ctx, args[0], role, principalCredits)
		} else {
			_, err = backs.Principals.CreateWithCredential(ctx, args[0], role, principalCredits, credential)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s principal %s\napi key: %s\n", role, args[0], credential)
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Creates the default admin and rule set, or the contents of a seed file",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := bootstrap.DefaultSeed(adminAPIKey)
		if seedFile != "" {
			var err error
			if s, err = bootstrap.LoadSeedFile(seedFile); err != nil {
				return err
			}
		}
		backs, warehouse, err := loadBackends()
		if err != nil {
			return err
		}
		defer warehouse.Close()
		ctx := cmd.Context()
		matcher, err := rules.NewMatcher(ctx, backs.Rules, rules.Options{})
		if err != nil {
			return err
		}
		report, err := bootstrap.Apply(ctx, backs.Principals, matcher, s)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, p := range report.Principals {
			fmt.Fprintf(out, "created principal %s, api key: %s\n", p.Username, p.Credential)
		}
		fmt.Fprintf(out, "seeded %d rules\n", report.Rules)
		return nil
	},
}

func init() {
	createPrincipalCmd.Flags().StringVarP(&principalRole, "role", "r", string(model.RoleMember), "member or admin")
	createPrincipalCmd.Flags().Int64Var(&principalCredits, "credits", 0, "initial credits")
	createPrincipalCmd.Flags().StringVar(
		&principalAPIKey, "api-key", "", "use this credential instead of generating one",
	)
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "seed file to apply instead of the defaults")
	seedCmd.Flags().StringVar(&adminAPIKey, "admin-api-key", "", "credential of the default admin")
}
